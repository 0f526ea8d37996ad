// Package channel implements the NDN channel layer of spec §4.1 (C9):
// Interest/RespInterest negotiation, per-session upload/download state,
// speed accounting, and periodic loss/gap reporting over one
// tunnel.Container.
//
// Grounded on original_source's ndn/channel/channel.rs Channel, whose
// resend_interval/resend_timeout/block_interval/msl/history_speed
// config fields are carried into channel.Config unchanged, and whose
// DownloadState/UploadState speed bookkeeping is reproduced in
// state.go/speed.go.
package channel

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"bdt/bid"
	"bdt/chunkcache"
	"bdt/config"
	"bdt/errs"
	"bdt/logging"
	"bdt/piece"
	"bdt/protocol"
	"bdt/tunnel"
	"go.uber.org/zap"
)

// NewUploadRequestHandler decides whether to accept an Interest that
// names no existing upload session, mirroring channel.rs's
// `stack.ndn().event_handler().on_newly_interest` callout. Returning a
// non-nil encoder accepts the upload under that codec; a non-nil error
// refuses it and becomes the RespInterest's Err code.
type NewUploadRequestHandler func(interest *protocol.Interest) (piece.ChunkEncoder, error)

// Config bundles the channel timing/accounting knobs of spec §6.
type Config struct {
	ResendInterval  time.Duration
	ResendTimeout   time.Duration
	BlockInterval   time.Duration
	MSL             time.Duration
	ReserveTimeout  time.Duration
	HistorySpeed    HistorySpeedConfig
	UploadRateLimit int // bytes/second; 0 = unlimited
}

// ConfigFromGlobal adapts config.ChannelConfig (spec §6's channel.*
// table) into the type this package works with.
func ConfigFromGlobal(cfg config.ChannelConfig) Config {
	return Config{
		ResendInterval:  cfg.ResendInterval,
		ResendTimeout:   cfg.ResendTimeout,
		BlockInterval:   cfg.BlockInterval,
		MSL:             cfg.MSL,
		ReserveTimeout:  cfg.ReserveTimeout,
		HistorySpeed:    HistorySpeedConfig{Interval: cfg.BlockInterval, Range: int(cfg.HistorySpeed.Count)},
		UploadRateLimit: cfg.UploadRateLimit,
	}
}

// Channel is the NDN channel toward one remote device, layered over its
// tunnel.Container.
type Channel struct {
	local     bid.DeviceId
	remote    bid.DeviceId
	container *tunnel.Container
	cfg       Config
	log       *zap.Logger

	commandSeq  SeqGenerator
	downloadSeq SeqGenerator

	download *downloadState
	upload   *uploadState

	newUploadHandler NewUploadRequestHandler
}

// SetNewUploadHandler installs the callback consulted whenever an
// Interest arrives for a session id this channel has not seen before.
// Until one is set, every newly-observed Interest is refused.
func (c *Channel) SetNewUploadHandler(h NewUploadRequestHandler) { c.newUploadHandler = h }

func NewChannel(local, remote bid.DeviceId, container *tunnel.Container, cfg Config) *Channel {
	now := time.Now()
	return &Channel{
		local:     local,
		remote:    remote,
		container: container,
		cfg:       cfg,
		log:       logging.L().With(zap.String("component", "channel"), zap.String("remote", remote.String()[:16])),
		download:  newDownloadState(cfg.HistorySpeed, now),
		upload:    newUploadState(cfg.HistorySpeed, now),
	}
}

func (c *Channel) Remote() bid.DeviceId        { return c.remote }
func (c *Channel) Container() *tunnel.Container { return c.container }

func (c *Channel) genDownloadSeq() uint32 { return c.downloadSeq.Generate() }

// Upload registers a new UploadSession serving chunk under the given
// negotiated codec and encoder (spec §4.1's upload contract).
func (c *Channel) Upload(chunk bid.ChunkId, sessionID uint32, desc protocol.ChunkCodecDesc, encoder piece.ChunkEncoder) (*UploadSession, error) {
	var limiter *rate.Limiter
	if c.cfg.UploadRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(c.cfg.UploadRateLimit), c.cfg.UploadRateLimit)
	}
	session := NewUploadSession(sessionID, chunk, desc, encoder, limiter)
	if err := c.upload.add(session); err != nil {
		return nil, err
	}
	c.log.Debug("upload session added", zap.Uint32("session", sessionID), zap.String("chunk", chunk.String()))
	return session, nil
}

// Download registers a new DownloadSession and starts it (spec §4.1's
// download contract: one Interest negotiates the codec, then
// PieceData/PieceControl flow until Finished or Canceled).
func (c *Channel) Download(chunk bid.ChunkId, source bid.DeviceId, cache *chunkcache.ChunkStreamCache, decoder piece.ChunkDecoder, referer, groupPath string) (*DownloadSession, error) {
	session := NewDownloadSession(c.genDownloadSeq(), chunk, source, cache, decoder, referer, groupPath)
	if err := c.download.add(session); err != nil {
		return nil, err
	}
	c.log.Debug("download session added", zap.Uint32("session", session.SessionId()), zap.String("chunk", chunk.String()))
	return session, nil
}

// CancelDownload moves a download session into the canceled set, where
// it is forgotten once it has been canceled for more than 2*msl, per
// channel.rs's cancel. ReserveTimeout is not consulted.
func (c *Channel) CancelDownload(id uint32, err error) {
	if sess, ok := c.download.find(id); ok {
		sess.Cancel(err)
	}
	c.download.cancel(id, time.Now())
}

func (c *Channel) CancelUpload(id uint32) {
	if sess, ok := c.upload.find(id); ok {
		sess.Cancel()
	}
	c.upload.cancel(id, time.Now())
}

// SendInterest sends an Interest over the default tunnel.
func (c *Channel) SendInterest(i *protocol.Interest) error {
	return c.container.SendPackage(i.Encode())
}

// SendRespInterest replies to a peer's Interest.
func (c *Channel) SendRespInterest(r *protocol.RespInterest) error {
	return c.container.SendPackage(r.Encode())
}

func (c *Channel) sendPieceControl(ctrl *protocol.PieceControl) error {
	if err := c.container.SendPackage(ctrl.Encode()); err != nil {
		c.log.Debug("ignore send piece control: channel dead", zap.Error(err))
		return err
	}
	return nil
}

// OnTunnelPackage implements tunnel.PackageHandler: Interest/RespInterest
// negotiate sessions, PieceData feeds a running download, and
// PieceControl feeds a running upload.
func (c *Channel) OnTunnelPackage(_ *tunnel.Container, _ tunnel.Tunnel, cmd uint8, payload []byte) {
	switch {
	case cmd == uint8(protocol.CmdInterest):
		interest, err := protocol.DecodeInterest(payload)
		if err != nil {
			c.log.Debug("drop malformed interest", zap.Error(err))
			return
		}
		c.log.Debug("received interest", zap.Uint32("session", interest.SessionId))
		c.onInterest(interest)
	case cmd == uint8(protocol.CmdRespInterest):
		resp, err := protocol.DecodeRespInterest(payload)
		if err != nil {
			c.log.Debug("drop malformed resp interest", zap.Error(err))
			return
		}
		c.log.Debug("received resp interest", zap.Uint32("session", resp.SessionId), zap.Uint16("err", resp.Err))
		sess, ok := c.download.find(resp.SessionId)
		if !ok {
			c.log.Debug("resp interest for unknown session", zap.Uint32("session", resp.SessionId))
			return
		}
		if resp.Err != 0 {
			sess.Cancel(errs.New(errs.ConnectionRefused, "channel: interest refused by remote"))
		}
	case cmd == uint8(protocol.PieceCmdData):
		data, err := protocol.DecodePieceData(payload)
		if err != nil {
			c.log.Debug("drop malformed piece data", zap.Error(err))
			return
		}
		sess, ok := c.download.find(data.SessionId)
		if !ok {
			return
		}
		finishedNow, err := sess.OnPieceData(data)
		if err != nil {
			c.log.Debug("piece data rejected", zap.Uint32("session", data.SessionId), zap.Error(err))
			return
		}
		if finishedNow {
			ctrl := &protocol.PieceControl{SessionId: data.SessionId, Command: protocol.PieceControlFinish}
			if err := c.sendPieceControl(ctrl); err != nil {
				c.log.Debug("finish control send failed", zap.Uint32("session", data.SessionId), zap.Error(err))
			}
		}
	case cmd == uint8(protocol.PieceCmdControl):
		ctrl, err := protocol.DecodePieceControl(payload)
		if err != nil {
			c.log.Debug("drop malformed piece control", zap.Error(err))
			return
		}
		sess, ok := c.upload.find(ctrl.SessionId)
		if !ok {
			return
		}
		sess.MergeControl(ctrl)
	default:
		c.log.Debug("unhandled channel command", zap.Uint8("cmd", cmd))
	}
}

// onInterest implements channel.rs's on_interest: an Interest for a
// session id already being uploaded (running or recently canceled) is
// ignored, since the uploader is already replying; a genuinely new
// session id is offered to the registered NewUploadRequestHandler,
// which accepts or refuses it.
func (c *Channel) onInterest(interest *protocol.Interest) {
	if _, ok := c.upload.find(interest.SessionId); ok {
		c.log.Debug("ignore interest: upload session exists", zap.Uint32("session", interest.SessionId))
		return
	}

	if c.newUploadHandler == nil {
		c.replyRefuseInterest(interest, errs.New(errs.NotFound, "channel: no upload handler registered"))
		return
	}
	encoder, err := c.newUploadHandler(interest)
	if err != nil {
		c.replyRefuseInterest(interest, err)
		return
	}

	chunk := bid.NewChunkId(interest.ChunkHash, interest.ChunkLen)
	sess, err := c.Upload(chunk, interest.SessionId, interest.Codec, encoder)
	if err != nil {
		c.replyRefuseInterest(interest, err)
		return
	}

	resp := &protocol.RespInterest{SessionId: interest.SessionId, ChunkHash: interest.ChunkHash, ChunkLen: interest.ChunkLen}
	if err := c.SendRespInterest(resp); err != nil {
		c.log.Debug("resp interest send failed", zap.Uint32("session", interest.SessionId), zap.Error(err))
		return
	}
	go c.runUpload(sess)
}

func (c *Channel) replyRefuseInterest(interest *protocol.Interest, cause error) {
	resp := &protocol.RespInterest{
		SessionId: interest.SessionId,
		ChunkHash: interest.ChunkHash,
		ChunkLen:  interest.ChunkLen,
		Err:       errCodeOf(cause),
	}
	if err := c.SendRespInterest(resp); err != nil {
		c.log.Debug("refuse interest send failed", zap.Uint32("session", interest.SessionId), zap.Error(err))
	}
}

// errCodeOf maps an error onto RespInterest's wire-level Err field, 0
// meaning success. An *errs.Error is sent as its own Code plus one (so
// even errs.Ok stays non-zero); any other error is sent as Failed plus
// one.
func errCodeOf(err error) uint16 {
	if err == nil {
		return 0
	}
	var e *errs.Error
	if errors.As(err, &e) {
		return uint16(e.Code) + 1
	}
	return uint16(errs.Failed) + 1
}

// runUpload is the accepted upload session's emit loop: pull pieces
// from the encoder as fast as the session's rate limiter admits, frame
// each as a PieceData, and push it over the default tunnel's raw-data
// path, per spec §4.8 ("emit pieces as fast as the tunnel's flow window
// allows"). It returns once the session reaches a terminal state.
func (c *Channel) runUpload(sess *UploadSession) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sess.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	buf := make([]byte, protocol.StreamPayloadSize)
	for {
		select {
		case <-sess.Done():
			return
		default:
		}

		desc, n, pending, err := sess.NextPiece(ctx, buf)
		if err != nil {
			c.log.Debug("upload emit stopped", zap.Uint32("session", sess.SessionId()), zap.Error(err))
			return
		}
		if pending {
			select {
			case <-time.After(c.cfg.ResendInterval):
				continue
			case <-sess.Done():
				return
			}
		}

		t := c.container.Default()
		if t == nil {
			select {
			case <-time.After(c.cfg.ResendInterval):
				continue
			case <-sess.Done():
				return
			}
		}

		pd := &protocol.PieceData{
			KeyMixHash: t.Key().MixHash(nil),
			SessionId:  sess.SessionId(),
			Desc:       desc,
			Data:       append([]byte(nil), buf[:n]...),
		}
		if _, err := t.SendRawData(t.Key(), pd.Encode()); err != nil {
			c.log.Debug("upload send raw data failed", zap.Uint32("session", sess.SessionId()), zap.Error(err))
		}
	}
}

// Run drives the periodic bookkeeping spec §4.1 assigns the channel:
// every BlockInterval, report loss/gaps for each running download and
// recompute speed; on the same tick it also purges sessions canceled
// more than 2*MSL ago (channel.rs's on_time_escape).
func (c *Channel) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.BlockInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.reportLoss(now)
			c.download.calcSpeed(now)
			c.upload.calcSpeed(now)
			c.upload.onTimeEscape(now, c.cfg.MSL)
		}
	}
}

func (c *Channel) reportLoss(now time.Time) {
	for _, sess := range c.download.onTimeEscape(now, c.cfg.MSL) {
		maxIndex, lost, ok := sess.Lost()
		if !ok {
			continue
		}
		wireLost := make([]protocol.LostRange, 0, len(lost))
		for _, l := range lost {
			wireLost = append(wireLost, protocol.LostRange{Start: l.Start, End: l.End})
		}
		cmd := protocol.PieceControlContinue
		if len(wireLost) > 0 {
			cmd = protocol.PieceControlResend
		}
		ctrl := &protocol.PieceControl{
			SessionId: sess.SessionId(),
			Command:   cmd,
			MaxIndex:  maxIndex,
			Lost:      wireLost,
		}
		if err := c.sendPieceControl(ctrl); err != nil {
			c.log.Debug("loss report send failed", zap.Uint32("session", sess.SessionId()), zap.Error(err))
		}
	}
}

// DownloadSpeed reports the instantaneous and historical aggregate
// download speed across every session on this channel.
func (c *Channel) DownloadSpeed() (current, history uint32) {
	return c.download.curSpeedValue(), c.download.historySpeedAverage()
}

func (c *Channel) UploadSpeed() (current, history uint32) {
	return c.upload.curSpeedValue(), c.upload.historySpeedAverage()
}

var _ tunnel.PackageHandler = (*Channel)(nil)
