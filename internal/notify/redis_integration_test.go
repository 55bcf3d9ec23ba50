// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

//go:build integration

package notify_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/gatekeep/gatekeep/internal/notify"
)

var _ = Describe("RedisQueue", func() {
	var (
		ctx context.Context
		key string
	)

	BeforeEach(func() {
		ctx = context.Background()
		key = "gatekeep:test:" + CurrentSpecReport().LeafNodeText
		Expect(redisClient.Del(ctx, key).Err()).To(Succeed())
	})

	It("pops jobs in the order they were pushed", func() {
		q := notify.NewRedisQueue(redisClient, key)

		Expect(q.Push(ctx, notify.Job{Email: "a@example.com", Token: "t1"})).To(Succeed())
		Expect(q.Push(ctx, notify.Job{Email: "b@example.com", Token: "t2"})).To(Succeed())
		Expect(redisClient.LLen(ctx, key).Val()).To(BeEquivalentTo(2))

		first, err := q.Pop(ctx)
		Expect(err).NotTo(HaveOccurred())
		second, err := q.Pop(ctx)
		Expect(err).NotTo(HaveOccurred())

		Expect(first.Email).To(Equal("a@example.com"))
		Expect(second.Email).To(Equal("b@example.com"))
	})

	It("leaves unconsumed jobs in Redis after Close", func() {
		q := notify.NewRedisQueue(redisClient, key)
		Expect(q.Push(ctx, notify.Job{Email: "a@example.com", Token: "t1"})).To(Succeed())
		Expect(q.Close()).To(Succeed())

		_, err := q.Pop(ctx)
		Expect(err).To(MatchError(notify.ErrQueueClosed))
		Expect(redisClient.LLen(ctx, key).Val()).To(BeEquivalentTo(1))

		next := notify.NewRedisQueue(redisClient, key)
		job, err := next.Pop(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(job.Token).To(Equal("t1"))
	})

	It("delivers through a dispatcher", func() {
		delivered := make(chan notify.Job, 1)
		sender := senderFunc(func(_ context.Context, job notify.Job) error {
			delivered <- job
			return nil
		})

		d, err := notify.NewDispatcher(notify.NewRedisQueue(redisClient, key), sender, notify.WithWorkers(1))
		Expect(err).NotTo(HaveOccurred())
		Expect(d.Start()).To(Succeed())
		DeferCleanup(func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			Expect(d.Close(closeCtx)).To(Succeed())
		})

		Expect(d.NotifyPasswordReset(ctx, "user@example.com", "tok")).To(Succeed())
		Eventually(delivered).WithTimeout(5 * time.Second).Should(Receive(Equal(notify.Job{Email: "user@example.com", Token: "tok"})))
	})
})

type senderFunc func(ctx context.Context, job notify.Job) error

func (f senderFunc) Send(ctx context.Context, job notify.Job) error { return f(ctx, job) }
