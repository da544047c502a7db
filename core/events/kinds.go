package events

const (
	KindChannelCreated       Kind = "ChannelCreated"
	KindChannelStateChange   Kind = "ChannelStateChange"
	KindChannelDtmfReceived  Kind = "ChannelDtmfReceived"
	KindChannelHangupRequest Kind = "ChannelHangupRequest"
	KindChannelDestroyed     Kind = "ChannelDestroyed"
	KindChannelVarset        Kind = "ChannelVarset"
	KindChannelEnteredBridge Kind = "ChannelEnteredBridge"
	KindChannelLeftBridge    Kind = "ChannelLeftBridge"
	KindStasisStart          Kind = "StasisStart"
	KindStasisEnd            Kind = "StasisEnd"
	KindBridgeCreated        Kind = "BridgeCreated"
	KindBridgeDestroyed      Kind = "BridgeDestroyed"
	KindPlaybackStarted      Kind = "PlaybackStarted"
	KindPlaybackFinished     Kind = "PlaybackFinished"
	KindDeviceStateChanged   Kind = "DeviceStateChanged"
)

const (
	RoleChannel  Role = "channel"
	RoleBridge   Role = "bridge"
	RolePlayback Role = "playback"
	RolePeer     Role = "peer"
)

const (
	ResourceChannel  ResourceKind = "Channel"
	ResourceBridge   ResourceKind = "Bridge"
	ResourcePlayback ResourceKind = "Playback"
)

// roleKinds maps a reference role to the kind of resource it points at. The
// peer of a dial is itself a channel.
var roleKinds = map[Role]ResourceKind{
	RoleChannel:  ResourceChannel,
	RoleBridge:   ResourceBridge,
	RolePlayback: ResourcePlayback,
	RolePeer:     ResourceChannel,
}

// ResourceKind returns the kind of resource references under this role point
// at. Unknown roles default to Channel.
func (r Role) ResourceKind() ResourceKind {
	if kind, ok := roleKinds[r]; ok {
		return kind
	}
	return ResourceChannel
}

// terminalRoles lists, per event kind, the referenced roles whose resources
// no longer exist once the event has been observed. StasisEnd ends the
// connection's interest in the channel even though the channel may live on
// outside the application, so it evicts like a destroy does.
var terminalRoles = map[Kind][]Role{
	KindChannelDestroyed: {RoleChannel},
	KindStasisEnd:        {RoleChannel},
	KindBridgeDestroyed:  {RoleBridge},
	KindPlaybackFinished: {RolePlayback},
}

// TerminalRoles returns the roles this event terminates, in eviction order.
// Most events terminate nothing and return nil.
func (e Event) TerminalRoles() []Role {
	return terminalRoles[e.kind]
}
