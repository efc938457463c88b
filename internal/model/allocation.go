package model

import "time"

const (
	AllocationPending  = "pending"
	AllocationApproved = "approved"
	AllocationActive   = "active"
	AllocationRejected = "rejected"
)

// TrainerAllocation is owned by the allocation worker. This service only checks existence.
type TrainerAllocation struct {
	ID        uint64    `gorm:"primaryKey"`
	StudentID string    `gorm:"size:64;not null;index:idx_allocation_student_course,priority:1"`
	CourseID  string    `gorm:"size:64;not null;index:idx_allocation_student_course,priority:2"`
	TrainerID string    `gorm:"size:64"`
	Status    string    `gorm:"size:32;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (TrainerAllocation) TableName() string { return "trainer_allocations" }
