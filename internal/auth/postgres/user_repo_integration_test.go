// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

//go:build integration

package postgres_test

import (
	"context"
	"sync"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/gatekeep/gatekeep/internal/auth"
	"github.com/gatekeep/gatekeep/internal/auth/postgres"
)

var _ = Describe("UserRepository", func() {
	var (
		ctx  context.Context
		repo *postgres.UserRepository
	)

	BeforeEach(func() {
		ctx = context.Background()
		repo = postgres.NewUserRepository(testPool)
		_, err := testPool.Exec(ctx, `TRUNCATE users`)
		Expect(err).NotTo(HaveOccurred())
	})

	It("round-trips a user", func() {
		name := "alice"
		u, err := auth.NewUser("alice@example.com", &name, "$argon2id$hash")
		Expect(err).NotTo(HaveOccurred())
		Expect(repo.Create(ctx, u)).To(Succeed())
		Expect(u.ID).To(BeNumerically(">", 0))

		got, err := repo.GetByEmail(ctx, "ALICE@example.com")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.ID).To(Equal(u.ID))
		Expect(got.Username).NotTo(BeNil())
		Expect(*got.Username).To(Equal("alice"))
		Expect(got.IsActive).To(BeTrue())
	})

	It("persists a new password hash", func() {
		u, err := auth.NewUser("bob@example.com", nil, "$argon2id$old")
		Expect(err).NotTo(HaveOccurred())
		Expect(repo.Create(ctx, u)).To(Succeed())

		u.SetPasswordHash("$argon2id$new")
		Expect(repo.Update(ctx, u)).To(Succeed())

		got, err := repo.GetByID(ctx, u.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.PasswordHash).To(Equal("$argon2id$new"))
	})

	It("replaces a hash only while it is unchanged", func() {
		u, err := auth.NewUser("dave@example.com", nil, "$argon2id$read")
		Expect(err).NotTo(HaveOccurred())
		Expect(repo.Create(ctx, u)).To(Succeed())

		u.SetPasswordHash("$argon2id$changed")
		Expect(repo.Update(ctx, u)).To(Succeed())

		err = repo.ReplacePasswordHash(ctx, u.ID, "$argon2id$read", "$argon2id$rehashed")
		Expect(err).To(MatchError(auth.ErrStaleHash))

		got, err := repo.GetByID(ctx, u.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.PasswordHash).To(Equal("$argon2id$changed"))

		Expect(repo.ReplacePasswordHash(ctx, u.ID, "$argon2id$changed", "$argon2id$rehashed")).To(Succeed())
		Expect(repo.ReplacePasswordHash(ctx, 999999, "a", "b")).To(MatchError(auth.ErrNotFound))
	})

	It("rejects case-variant duplicate emails", func() {
		first, _ := auth.NewUser("carol@example.com", nil, "h")
		Expect(repo.Create(ctx, first)).To(Succeed())

		dup := *first
		dup.ID = 0
		dup.Email = "Carol@Example.com"
		err := repo.Create(ctx, &dup)
		Expect(err).To(MatchError(auth.ErrDuplicateEmail))
	})

	It("lets exactly one concurrent registration win", func() {
		const racers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
			conflicts int
		)
		for range racers {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				u, err := auth.NewUser("race@example.com", nil, "h")
				Expect(err).NotTo(HaveOccurred())
				err = repo.Create(ctx, u)
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					succeeded++
				} else {
					Expect(err).To(MatchError(auth.ErrConflict))
					conflicts++
				}
			}()
		}
		wg.Wait()
		Expect(succeeded).To(Equal(1))
		Expect(conflicts).To(Equal(racers - 1))
	})

	It("reports unknown ids as not found", func() {
		_, err := repo.GetByID(ctx, 999999)
		Expect(err).To(MatchError(auth.ErrNotFound))

		err = repo.Update(ctx, &auth.User{ID: 999999})
		Expect(err).To(MatchError(auth.ErrNotFound))
	})
})
