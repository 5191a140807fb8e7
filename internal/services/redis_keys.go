package services

import "time"

const (
	ChannelNotifications = "betting:notifications"

	AudienceAll    = "all"
	AudienceAdmins = "admins"
	AudienceUser   = "user"

	RedisPublishTimeout = 2 * time.Second
	RedisQueueSize      = 1024
)
