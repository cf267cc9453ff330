package diag

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pion/stun/v3"
)

type ProbeResult struct {
	URL    string
	Mapped string
	RTT    time.Duration
	Err    error
}

// STUNProber sends one binding request per server.
type STUNProber struct {
	Timeout time.Duration
}

func NewSTUNProber() *STUNProber {
	return &STUNProber{Timeout: 3 * time.Second}
}

func (p *STUNProber) Probe(ctx context.Context, rawURL string) ProbeResult {
	result := ProbeResult{URL: rawURL}

	uri, err := stun.ParseURI(rawURL)
	if err != nil {
		result.Err = fmt.Errorf("parse %s: %w", rawURL, err)
		return result
	}
	if uri.Scheme != stun.SchemeTypeSTUN {
		result.Err = fmt.Errorf("%s: only plain stun: URLs are probed", rawURL)
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	addr := net.JoinHostPort(uri.Host, strconv.Itoa(uri.Port))
	client, err := stun.Dial("udp4", addr)
	if err != nil {
		result.Err = fmt.Errorf("dial %s: %w", addr, err)
		return result
	}
	defer client.Close()

	type outcome struct {
		mapped string
		err    error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	err = client.Start(stun.MustBuild(stun.TransactionID, stun.BindingRequest), func(ev stun.Event) {
		if ev.Error != nil {
			done <- outcome{err: ev.Error}
			return
		}
		var xor stun.XORMappedAddress
		if getErr := xor.GetFrom(ev.Message); getErr != nil {
			done <- outcome{err: getErr}
			return
		}
		done <- outcome{mapped: xor.String()}
	})
	if err != nil {
		result.Err = fmt.Errorf("binding request to %s: %w", addr, err)
		return result
	}

	select {
	case o := <-done:
		result.Mapped, result.Err = o.mapped, o.err
		result.RTT = time.Since(start)
	case <-ctx.Done():
		result.Err = errors.New("no binding response from " + addr)
	}
	return result
}
