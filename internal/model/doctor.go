package model

type Doctor struct {
	Base
	Name   string `db:"name" json:"name"`
	Email  string `db:"email" json:"email"`
	Active bool   `db:"active" json:"active"`
}

type CreateDoctorRequest struct {
	Name  string `json:"name" binding:"required,max=200"`
	Email string `json:"email" binding:"omitempty,email"`
}
