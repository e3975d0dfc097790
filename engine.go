// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package xmmboot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/openchirp/xmmboot/firmware"
	"github.com/openchirp/xmmboot/metrics"
	"github.com/openchirp/xmmboot/profile"
	"github.com/openchirp/xmmboot/transport"
)

const (
	eventFail    = "fail"
	eventRestart = "restart"
)

// CalibrationProvider supplies the calibration data uploaded after the
// firmware. Verify must not modify anything; Load may repair the data
// from a backup.
type CalibrationProvider interface {
	Verify() bool
	Load() ([]byte, error)
}

// transitions lists, for every stage, the stages it may be entered from.
var transitions = []struct {
	to   Stage
	from []Stage
}{
	{StageLinkEstablish, []Stage{StagePowerReset}},
	{StageHandshakeProbe, []Stage{StageLinkEstablish}},
	{StagePsiUpload, []Stage{StageHandshakeProbe}},
	{StagePsiAckWait, []Stage{StagePsiUpload}},
	{StageSecondaryChannelSwitch, []Stage{StagePsiAckWait}},
	{StageEblUpload, []Stage{StagePsiAckWait, StageSecondaryChannelSwitch}},
	{StagePortConfigExchange, []Stage{StageEblUpload}},
	{StageSecureStart, []Stage{StagePortConfigExchange}},
	{StageFirmwareUpload, []Stage{StageSecureStart}},
	{StageCalibrationUpload, []Stage{StageFirmwareUpload}},
	{StageMpsUpload, []Stage{StageCalibrationUpload}},
	{StageSecureEnd, []Stage{StageCalibrationUpload, StageMpsUpload}},
	{StageHardwareReset, []Stage{StageSecureEnd}},
	{StageLinkReestablish, []Stage{StageHardwareReset}},
	{StageOnline, []Stage{StageLinkReestablish}},
}

func stageNames(stages []Stage) []string {
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.String()
	}
	return names
}

// newMachine returns the stage machine in PowerReset. Events are named
// after their destination stage.
func newMachine(callbacks fsm.Callbacks) *fsm.FSM {
	events := fsm.Events{}
	var live []Stage
	for s := StagePowerReset; s < StageOnline; s++ {
		live = append(live, s)
	}
	for _, t := range transitions {
		events = append(events, fsm.EventDesc{
			Name: t.to.String(),
			Src:  stageNames(t.from),
			Dst:  t.to.String(),
		})
	}
	events = append(events,
		fsm.EventDesc{Name: eventFail, Src: stageNames(live), Dst: StageFailed.String()},
		fsm.EventDesc{Name: eventRestart, Src: []string{StageFailed.String()}, Dst: StagePowerReset.String()},
	)
	return fsm.NewFSM(StagePowerReset.String(), events, callbacks)
}

// Engine runs bootstraps with one configuration.
type Engine struct {
	cfg Config
}

// New returns an engine configured by opts.
func New(opts ...Option) *Engine {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{cfg: cfg}
}

// Bootstrap brings the modem described by p online through t.
//
// Retryable failures restart the sequence at PowerReset until the
// profile's attempt ceiling. The returned error is a *BootError.
func Bootstrap(ctx context.Context, p *profile.Profile, t transport.Transport,
	img *firmware.Image, cal CalibrationProvider, opts ...Option) error {
	return New(opts...).Bootstrap(ctx, p, t, img, cal)
}

// Bootstrap is the engine form of the package level Bootstrap.
func (e *Engine) Bootstrap(ctx context.Context, p *profile.Profile, t transport.Transport,
	img *firmware.Image, cal CalibrationProvider) error {
	if p == nil || t == nil || img == nil {
		return fmt.Errorf("%w: profile, transport and image are required", ErrBadArguments)
	}
	if int64(img.Len()) < p.ImageSize {
		return &BootError{
			Stage:   StagePowerReset,
			Attempt: 0,
			Kind:    KindImage,
			Err:     fmt.Errorf("%w: image holds %d bytes, profile %s needs %d", firmware.ErrTruncated, img.Len(), p.Name, p.ImageSize),
		}
	}

	s := newSession(e.cfg, p, t, img, cal)
	start := time.Now()
	for {
		s.attempt++
		err := s.run(ctx)
		if cerr := s.teardown(); cerr != nil {
			s.log.Warn().Err(cerr).Msg("closing boot channel")
		}
		if err == nil {
			s.log.Info().Int("attempt", s.attempt).Dur("elapsed", time.Since(start)).Msg("modem online")
			if s.cfg.Metrics {
				metrics.RecordAttempt(p.Name, "ok")
				metrics.RecordBootstrap(p.Name, time.Since(start), true)
			}
			return nil
		}

		kind := classify(err)
		berr := &BootError{Stage: s.stage, Attempt: s.attempt, Kind: kind, Err: err}
		s.fail(ctx, berr)
		if s.cfg.Metrics {
			metrics.RecordAttempt(p.Name, kind.String())
		}
		if ctx.Err() != nil || !kind.Retryable() || s.attempt >= p.Retry.BootAttempts {
			if s.cfg.Metrics {
				metrics.RecordBootstrap(p.Name, time.Since(start), false)
			}
			return berr
		}
		s.log.Warn().Err(err).Int("attempt", s.attempt).Dur("backoff", p.Retry.Backoff).Msg("bootstrap attempt failed")
		s.cfg.Sleep(p.Retry.Backoff)
		if err := s.machine.Event(context.WithoutCancel(ctx), eventRestart); err != nil {
			return &BootError{Stage: StageFailed, Attempt: s.attempt, Kind: KindProtocol, Err: fmt.Errorf("%w: %v", ErrProtocol, err)}
		}
	}
}

// session is the state of one Bootstrap call.
type session struct {
	cfg     Config
	log     zerolog.Logger
	p       *profile.Profile
	t       transport.Transport
	lc      transport.LinkController
	img     *firmware.Image
	cal     CalibrationProvider
	machine *fsm.FSM

	attempt int
	stage   Stage
	link    *link
}

func newSession(cfg Config, p *profile.Profile, t transport.Transport, img *firmware.Image, cal CalibrationProvider) *session {
	s := &session{
		cfg: cfg,
		log: cfg.Logger.With().Str("profile", p.Name).Logger(),
		p:   p,
		t:   t,
		img: img,
		cal: cal,
	}
	s.lc, _ = t.(transport.LinkController)
	s.machine = newMachine(fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			s.log.Debug().Str("from", e.Src).Str("to", e.Dst).Msg("stage transition")
		},
	})
	return s
}

type step struct {
	stage Stage
	run   func(*session) error
}

// steps returns the stages this profile goes through.
func (s *session) steps() []step {
	steps := []step{
		{StagePowerReset, (*session).powerReset},
		{StageLinkEstablish, (*session).linkEstablish},
		{StageHandshakeProbe, (*session).handshake},
		{StagePsiUpload, (*session).psiUpload},
		{StagePsiAckWait, (*session).psiAckWait},
	}
	if len(s.p.BootChannels()) > 1 {
		steps = append(steps, step{StageSecondaryChannelSwitch, (*session).switchChannel})
	}
	steps = append(steps,
		step{StageEblUpload, (*session).eblUpload},
		step{StagePortConfigExchange, (*session).portConfig},
		step{StageSecureStart, (*session).secureStart},
		step{StageFirmwareUpload, (*session).firmwareUpload},
		step{StageCalibrationUpload, (*session).calibrationUpload},
	)
	if s.p.MPS != nil {
		steps = append(steps, step{StageMpsUpload, (*session).mpsUpload})
	}
	return append(steps,
		step{StageSecureEnd, (*session).secureEnd},
		step{StageHardwareReset, (*session).hardwareReset},
		step{StageLinkReestablish, (*session).linkReestablish},
	)
}

// run executes one attempt.
func (s *session) run(ctx context.Context) error {
	for _, st := range s.steps() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.enter(ctx, st.stage); err != nil {
			return err
		}
		if err := st.run(s); err != nil {
			return err
		}
	}
	return s.enter(ctx, StageOnline)
}

// enter moves the machine to stage and reports it.
func (s *session) enter(ctx context.Context, stage Stage) error {
	if s.machine.Current() != stage.String() {
		if err := s.machine.Event(ctx, stage.String()); err != nil {
			return fmt.Errorf("%w: enter %v from %s: %v", ErrProtocol, stage, s.machine.Current(), err)
		}
	}
	s.stage = stage
	s.log.Info().Int("attempt", s.attempt).Msgf("entering %v", stage)
	if s.cfg.Metrics {
		metrics.RecordStage(s.p.Name, stage.String())
	}
	s.progress(0, 0)
	return nil
}

func (s *session) fail(ctx context.Context, err *BootError) {
	if ferr := s.machine.Event(context.WithoutCancel(ctx), eventFail); ferr != nil {
		s.log.Error().Err(ferr).Msg("stage machine refused failure transition")
	}
	s.log.Error().Err(err.Err).Str("kind", err.Kind.String()).Int("attempt", err.Attempt).Msgf("failed at %v", err.Stage)
}

func (s *session) progress(sent, total int) {
	if s.cfg.ProgressCallback != nil {
		s.cfg.ProgressCallback(Progress{Stage: s.stage, Attempt: s.attempt, BytesSent: sent, BytesTotal: total})
	}
}

func (s *session) settle() {
	if d := s.p.Timing.SettleDelay; d > 0 {
		s.cfg.Sleep(d)
	}
}

// open makes kind the current boot channel.
func (s *session) open(kind transport.Kind) error {
	h, err := s.t.Open(kind)
	if err != nil {
		return fmt.Errorf("open %v: %w", kind, err)
	}
	s.link = newLink(s.p, h, s.log.With().Stringer("channel", kind).Logger())
	return nil
}

// teardown closes the boot channel still open at the end of an attempt.
func (s *session) teardown() error {
	var err error
	if s.link != nil {
		if cerr := s.link.Close(); cerr != nil && !errors.Is(cerr, transport.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
		s.link = nil
	}
	return err
}
