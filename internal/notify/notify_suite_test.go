// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

//go:build integration

package notify_test

import (
	"context"
	"fmt"
	"testing"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	redisClient    *redis.Client
	redisContainer testcontainers.Container
)

func TestNotifyIntegration(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Notify Redis Suite")
}

var _ = BeforeSuite(func() {
	ctx := context.Background()
	var err error
	redisContainer, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	Expect(err).NotTo(HaveOccurred())

	host, err := redisContainer.Host(ctx)
	Expect(err).NotTo(HaveOccurred())
	port, err := redisContainer.MappedPort(ctx, "6379/tcp")
	Expect(err).NotTo(HaveOccurred())

	opts, err := redis.ParseURL(fmt.Sprintf("redis://%s:%s/0", host, port.Port()))
	Expect(err).NotTo(HaveOccurred())
	redisClient = redis.NewClient(opts)
	Expect(redisClient.Ping(ctx).Err()).To(Succeed())
})

var _ = AfterSuite(func() {
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if redisContainer != nil {
		_ = redisContainer.Terminate(context.Background())
	}
})
