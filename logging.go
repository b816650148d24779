// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiber

import (
	"log"
)

// logCritical reports a scheduler-level failure that cannot be returned to
// any caller. It must never itself take the scheduler down: a panicking
// logger implementation is caught and the report falls back to the
// standard library logger.
func (s *Scheduler) logCritical(msg string, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("fiber: critical: %s: %v (logger panicked: %v)", msg, err, r)
		}
	}()
	if s.logger == nil {
		log.Printf("fiber: critical: %s: %v", msg, err)
		return
	}
	s.logger.Err().
		Str("category", "sched").
		Err(err).
		Log(msg)
}

// warnRated logs a warning, rate limited per category. Poller failures can
// recur at socket-event frequency; the limiter keeps them observable
// without flooding the log.
func (s *Scheduler) warnRated(category string, err error, msg string) {
	if s.logger == nil {
		return
	}
	if _, ok := s.warnLimiter.Allow(category); !ok {
		return
	}
	s.logger.Warning().
		Str("category", category).
		Err(err).
		Log(msg)
}
