// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the readiness-notification facility driving the
// IOManager idle loop: an edge-triggered epoll instance on Linux plus a
// self-pipe for cross-thread wakeups.
package reactor
