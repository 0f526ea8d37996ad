// Package protocol implements the wire formats of spec §6: the UDP
// control frame, the UDP piece-data frame, the piece-control frame, the
// length-prefixed TCP frame, and the endpoint encoding (the latter lives
// in bid.EncodeEndpoint/DecodeEndpoint since it is a property of
// Endpoint itself).
package protocol

// Magic identifies a control-frame datagram so the UDP interface can
// tell it apart from a RawData (piece) datagram, which is instead
// prefixed by a 16-byte key-mix-hash with no magic.
var Magic = [2]byte{0xBD, 0x7C}

// CommandCode is the single byte following Magic in a control frame.
type CommandCode uint8

const (
	CmdSynTunnel       CommandCode = 0x01
	CmdAckTunnel       CommandCode = 0x02
	CmdAckAckTunnel    CommandCode = 0x03
	CmdPingTunnel      CommandCode = 0x10
	CmdPingTunnelResp  CommandCode = 0x11
	CmdSnPing          CommandCode = 0x20
	CmdSnPingResp      CommandCode = 0x21
	CmdSnCall          CommandCode = 0x22
	CmdSnCalledResp    CommandCode = 0x23
	CmdInterest        CommandCode = 0x30
	CmdRespInterest    CommandCode = 0x31
	// CmdSnCalled is carried over the SN's own relay path, not this
	// device's direct UDP socket, but shares the same alphabet so a
	// PingClient can demultiplex it off the same control channel.
	CmdSnCalled CommandCode = 0x24
)

// PieceCmd is the command byte inside the piece-channel framing
// (key_mix_hash-prefixed datagrams and the bulk TCP stream).
type PieceCmd uint8

const (
	PieceCmdData    PieceCmd = 0x40
	PieceCmdControl PieceCmd = 0x41
)

// PieceControlCommand is the `command` field of a PieceControl frame.
type PieceControlCommand uint8

const (
	PieceControlContinue PieceControlCommand = 0
	PieceControlFinish   PieceControlCommand = 1
	PieceControlCancel   PieceControlCommand = 2
	PieceControlResend   PieceControlCommand = 3
)

// TCPCmd is the command byte of a length-prefixed TCP frame.
type TCPCmd uint8

const (
	TCPCmdSynConnection    TCPCmd = 0x01
	TCPCmdAckConnection    TCPCmd = 0x02
	TCPCmdAckAckConnection TCPCmd = 0x03
	// Piece and control frames share the same TCP framing once a TCP
	// tunnel is Active (spec §4.4: "framing is identical to UDP except
	// that the preamble length prefixes each frame").
	TCPCmdPieceData    TCPCmd = 0x40
	TCPCmdPieceControl TCPCmd = 0x41
)

// AckAckResult is the 1-byte result of TcpAckAckConnection.
type AckAckResult uint8

const (
	AckAckOK      AckAckResult = 0
	AckAckRefused AckAckResult = 1
)
