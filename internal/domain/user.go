package domain

import (
	"context"
	"errors"
)

var ErrUserNotFound = errors.New("user not found")

type User struct {
	ID       string
	Username string
	Avatar   string
	HexColor string
}

func (u *User) Author() Author {
	return Author{ID: u.ID, Username: u.Username, Avatar: u.Avatar, HexColor: u.HexColor}
}

type UserRepository interface {
	GetByID(ctx context.Context, userID string) (*User, error)
}
