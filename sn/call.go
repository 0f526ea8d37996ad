package sn

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"bdt/bid"
	"bdt/errs"
	"bdt/protocol"
)

// CallTransport sends an SnCall to one SN and waits for its
// SnCalledResp acknowledgement (spec §4.6's call/rendezvous exchange).
type CallTransport interface {
	Call(ctx context.Context, snID bid.DeviceId, req *protocol.SnCall) (*protocol.SnCalledResp, error)
}

// CallResult is the outcome of fanning SnCall out across one or more
// SNs: the first SN to acknowledge wins.
type CallResult struct {
	SN   bid.DeviceId
	Resp *protocol.SnCalledResp
}

// Call sends req to primary first and, if it does not answer within
// perAttemptTimeout, races the same call against every SN in retryList
// concurrently via golang.org/x/sync/errgroup — grounded on spec
// §4.6's "primary + retry-list fan-out" and the pack's errgroup use for
// parallel racing (the same library the tunnelbuilder package uses for
// endpoint racing).
func Call(ctx context.Context, transport CallTransport, primary bid.DeviceId, retryList []bid.DeviceId, req *protocol.SnCall, perAttemptTimeout time.Duration) (*CallResult, error) {
	primaryCtx, cancel := context.WithTimeout(ctx, perAttemptTimeout)
	resp, err := transport.Call(primaryCtx, primary, req)
	cancel()
	if err == nil && resp.Result == 0 {
		return &CallResult{SN: primary, Resp: resp}, nil
	}

	if len(retryList) == 0 {
		return nil, errs.Wrap(errs.Failed, "sn: call failed and no retry SNs configured", err)
	}

	raceCtx, cancelRace := context.WithCancel(ctx)
	defer cancelRace()

	g, gctx := errgroup.WithContext(raceCtx)
	results := make(chan CallResult, len(retryList))

	for _, sn := range retryList {
		sn := sn
		g.Go(func() error {
			attemptCtx, cancel := context.WithTimeout(gctx, perAttemptTimeout)
			defer cancel()
			resp, err := transport.Call(attemptCtx, sn, req)
			if err != nil || resp.Result != 0 {
				return nil // this attempt lost; not a group-fatal error
			}
			select {
			case results <- CallResult{SN: sn, Resp: resp}:
			default:
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case res := <-results:
		cancelRace()
		<-done
		return &res, nil
	case err := <-done:
		if err != nil {
			return nil, errs.Wrap(errs.Failed, "sn: call retry fan-out errored", err)
		}
		select {
		case res := <-results:
			return &res, nil
		default:
			return nil, errs.New(errs.Timeout, "sn: no SN acknowledged the call")
		}
	case <-ctx.Done():
		cancelRace()
		return nil, errs.Wrap(errs.Interrupted, "sn: call aborted", ctx.Err())
	}
}
