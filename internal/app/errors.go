package service

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrUnknownLeaderboard = errors.New("unknown leaderboard")
	ErrInvalidInput       = errors.New("invalid input")
	ErrStopped            = errors.New("service not running")
	ErrSyncBusy           = errors.New("sync pass already running")
)
