package purchase

import "github.com/cespare/xxhash/v2"

// PairLockKey maps a (student, course) pair to an advisory lock id.
// Collisions only make unrelated pairs wait on each other.
func PairLockKey(studentID, courseID string) int64 {
	return int64(xxhash.Sum64String(studentID + ":" + courseID))
}
