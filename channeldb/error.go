package channeldb

import "fmt"

var (
	ErrNoChanDBExists   = fmt.Errorf("channel db has not yet been created")
	ErrPeerNotFound     = fmt.Errorf("no persisted row for this peer")
	ErrChannelNotFound  = fmt.Errorf("this channel does not exist")
	ErrNoActiveChannels = fmt.Errorf("no active channels exist")
	ErrMetaNotFound     = fmt.Errorf("unable to locate meta information")
	ErrBackendNotChosen = fmt.Errorf("no storage backend configured")
)
