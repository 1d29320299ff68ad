// MIT License
//
// Copyright (c) 2025-2026 cqlmux contributors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package cqlmux

import (
	"time"

	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/logger"
)

// Config is used to tune a connection.
type Config struct {
	// Logger receives best-effort diagnostics: unsolicited responses and
	// responses of an unexpected kind, including those reported by Query.
	// Loop exits are not logged.
	Logger logger.Logger

	// HandshakeTimeout bounds the STARTUP/READY exchange. Zero disables the
	// deadline.
	HandshakeTimeout time.Duration

	// MailboxBacklog is the writer mailbox capacity. Any small bound is
	// correct; it only affects batching.
	MailboxBacklog int
}

// DefaultConfig is used to return a default configuration
func DefaultConfig() *Config {
	return &Config{
		Logger:           logger.NOP(),
		HandshakeTimeout: 30 * time.Second,
		MailboxBacklog:   1,
	}
}

// VerifyConfig is used to verify the sanity of configuration
func VerifyConfig(config *Config) error {
	if config.HandshakeTimeout < 0 {
		return E.New("handshake timeout must not be negative")
	}
	if config.MailboxBacklog <= 0 {
		return E.New("mailbox backlog must be positive")
	}
	return nil
}
