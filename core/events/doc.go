// Package events defines the immutable event record the dispatcher consumes
// and the vocabulary of event kinds, reference roles and resource kinds.
//
// An event arrives as a decoded JSON envelope with a "type" field and an
// application-defined body. The transport tags the envelope with refs: which
// body fields reference live resources, keyed by role. The dispatcher uses
// the refs to resolve resource objects and the matching body objects as
// attribute deltas.
//
// Channel lifecycle kinds:
//
//   - ChannelCreated: a new channel exists.
//   - ChannelStateChange: the channel state field changed (Ring, Up, ...).
//   - ChannelDtmfReceived: a DTMF digit was pressed on the channel.
//   - ChannelHangupRequest: hangup was requested but the channel still
//     exists.
//   - ChannelDestroyed: terminal; the channel is gone.
//   - ChannelVarset: a channel variable was set.
//   - StasisStart / StasisEnd: the channel entered or left the application.
//     StasisEnd is terminal for this connection's model of the channel.
//
// Bridge kinds:
//
//   - BridgeCreated / BridgeDestroyed: bridge lifecycle; destroy is
//     terminal.
//   - ChannelEnteredBridge / ChannelLeftBridge: membership changes,
//     referencing both the channel and the bridge.
//
// Playback kinds:
//
//   - PlaybackStarted / PlaybackFinished: media playback lifecycle;
//     finished is terminal for the playback resource.
//
// Kinds not listed here still dispatch; filters that accept any kind (the
// catch-all subscription) observe them.
package events
