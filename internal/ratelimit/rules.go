package ratelimit

import (
	"time"

	"github.com/Ciach0/nerimity-server/internal/domain"
)

// Rules guarding the write paths. Windows and quotas are per call-site.
var (
	MessageCreate = domain.Rule{
		Action:      "message_create",
		Window:      20 * time.Second,
		Quota:       20,
		Passthrough: true,
	}
	ServerJoin = domain.Rule{
		Action: "server_join",
		Window: 60 * time.Second,
		Quota:  10,
	}
	ServerLeave = domain.Rule{
		Action: "server_leave",
		Window: 60 * time.Second,
		Quota:  10,
	}
	MemberUpdate = domain.Rule{
		Action: "member_update",
		Window: 60 * time.Second,
		Quota:  30,
	}
	ConnectByIP = domain.Rule{
		Action:     "ws_connect",
		Window:     60 * time.Second,
		Quota:      20,
		UseIP:      true,
		FailClosed: true,
	}
	ConnectGlobal = domain.Rule{
		Action:     "ws_connect_global",
		Window:     time.Second,
		Quota:      500,
		Global:     true,
		FailClosed: true,
	}
)
