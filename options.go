// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package modbus

import (
	"log/slog"
	"time"
)

// ServerOption is a functional option for configuring the server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	logger         *slog.Logger
	maxConns       int
	readTimeout    time.Duration
	writeTimeout   time.Duration
	keepAlive      time.Duration
	metrics        *ServerMetrics
	logFrames      bool
	readBufferSize int
}

func defaultServerOptions() *serverOptions {
	return &serverOptions{
		logger:         slog.Default(),
		maxConns:       100,
		readTimeout:    DefaultIdleTimeout,
		writeTimeout:   5 * time.Second,
		keepAlive:      30 * time.Second,
		logFrames:      true,
		readBufferSize: 2 * MaxADUSize,
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// WithMaxConnections sets the maximum number of concurrent sessions.
// Zero or a negative value removes the limit.
func WithMaxConnections(n int) ServerOption {
	return func(o *serverOptions) {
		o.maxConns = n
	}
}

// WithReadTimeout sets how long a session may stay idle before it is closed.
// Zero disables the timeout.
func WithReadTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.readTimeout = d
	}
}

// WithWriteTimeout sets the deadline for writing one response.
func WithWriteTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.writeTimeout = d
	}
}

// WithKeepAlive sets the TCP keepalive period. Zero disables keepalive.
func WithKeepAlive(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.keepAlive = d
	}
}

// WithMetrics makes the server record into m instead of a private instance.
func WithMetrics(m *ServerMetrics) ServerOption {
	return func(o *serverOptions) {
		o.metrics = m
	}
}

// WithFrameLogging enables or disables the debug hex dump of every frame.
func WithFrameLogging(enable bool) ServerOption {
	return func(o *serverOptions) {
		o.logFrames = enable
	}
}

// StoreOption is a functional option for configuring the register store.
type StoreOption func(*storeOptions)

type storeOptions struct {
	logger  *slog.Logger
	storage Storage
}

func defaultStoreOptions() *storeOptions {
	return &storeOptions{
		logger: slog.Default(),
	}
}

// WithStoreLogger sets the logger for the store.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(o *storeOptions) {
		o.logger = logger
	}
}

// WithStorage persists every change through s. On creation the store is
// loaded from s if it already holds data.
func WithStorage(s Storage) StoreOption {
	return func(o *storeOptions) {
		o.storage = s
	}
}

// ClientOption is a functional option for configuring the client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	unitID  UnitID
	timeout time.Duration
	logger  *slog.Logger
}

func defaultClientOptions() *clientOptions {
	return &clientOptions{
		unitID:  1,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
}

// WithUnitID sets the unit ID sent with every request.
func WithUnitID(id UnitID) ClientOption {
	return func(o *clientOptions) {
		o.unitID = id
	}
}

// WithTimeout sets the timeout for one request.
func WithTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.timeout = d
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = logger
	}
}
