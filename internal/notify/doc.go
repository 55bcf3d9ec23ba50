// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

// Package notify delivers password reset links off the request path.
//
// A Dispatcher accepts notifications from the auth service, places them on a
// Queue and returns. Worker goroutines pop jobs and hand them to a Sender.
// The in-process ChannelQueue suits a single instance; RedisQueue lets jobs
// outlive a restart and be shared between replicas.
package notify
