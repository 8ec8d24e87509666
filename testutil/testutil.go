// Copyright 2023 the kmyth authors.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

// Package testutil provides helpers for tests that need a live TPM: an
// in-process simulator connection, a deterministic crypto provider, and
// shortcuts for creating throwaway sealed objects to unseal.
package testutil

import (
	"crypto/sha256"
	"testing"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
	"github.com/google/go-tpm/tpm2/transport/simulator"
	"golang.org/x/crypto/hkdf"

	"github.com/SociOS-Linux/kmyth"
)

// OpenSimulatorForTesting connects to an in-process TPM simulator, or
// skips the test when no simulator support is built in.
func OpenSimulatorForTesting(t *testing.T) transport.TPMCloser {
	t.Helper()
	sim, err := simulator.OpenSimulator()
	if err != nil {
		t.Skipf("cannot open TPM simulator: %v", err)
	}
	t.Cleanup(func() {
		sim.Close()
	})
	return sim
}

// DeterministicCrypto returns a CryptoProvider whose random source is a
// PRF stream expanded from seed. Only for tests: it makes nonces and
// salts reproducible across runs.
func DeterministicCrypto(seed string) kmyth.CryptoProvider {
	return kmyth.NewCryptoProvider(hkdf.Expand(sha256.New, []byte(seed), []byte("kmyth-test-rng")))
}

// CreateSealedObject seals data under a fresh storage primary in the
// owner hierarchy and loads the blob. The object's authValue is set to
// the digest kmyth.DeriveAuthValue computes for authBytes, and its
// authPolicy to policy; with a non-empty policy the object requires a
// policy session to unseal.
func CreateSealedObject(t *testing.T, tpm transport.TPM, data, authBytes []byte, policy kmyth.Digest) kmyth.Entity {
	t.Helper()

	authValue, err := kmyth.DeriveAuthValue(authBytes, tpm2.TPMAlgSHA256)
	if err != nil {
		t.Fatalf("DeriveAuthValue failed: %v", err)
	}

	primary, err := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHOwner,
		InPublic:      tpm2.New2B(tpm2.ECCSRKTemplate),
	}.Execute(tpm)
	if err != nil {
		t.Fatalf("CreatePrimary failed: %v", err)
	}
	t.Cleanup(func() {
		tpm2.FlushContext{FlushHandle: primary.ObjectHandle}.Execute(tpm)
	})

	public := tpm2.TPMTPublic{
		Type:    tpm2.TPMAlgKeyedHash,
		NameAlg: tpm2.TPMAlgSHA256,
		ObjectAttributes: tpm2.TPMAObject{
			FixedTPM:     true,
			FixedParent:  true,
			UserWithAuth: len(policy) == 0,
			NoDA:         true,
		},
		AuthPolicy: tpm2.TPM2BDigest{Buffer: policy},
		Parameters: tpm2.NewTPMUPublicParms(
			tpm2.TPMAlgKeyedHash,
			&tpm2.TPMSKeyedHashParms{
				Scheme: tpm2.TPMTKeyedHashScheme{Scheme: tpm2.TPMAlgNull},
			},
		),
	}

	created, err := tpm2.Create{
		ParentHandle: tpm2.AuthHandle{
			Handle: primary.ObjectHandle,
			Name:   primary.Name,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InSensitive: tpm2.TPM2BSensitiveCreate{
			Sensitive: &tpm2.TPMSSensitiveCreate{
				UserAuth: tpm2.TPM2BAuth{Buffer: authValue},
				Data:     tpm2.NewTPMUSensitiveCreate(&tpm2.TPM2BSensitiveData{Buffer: data}),
			},
		},
		InPublic: tpm2.New2B(public),
	}.Execute(tpm)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	loaded, err := tpm2.Load{
		ParentHandle: tpm2.AuthHandle{
			Handle: primary.ObjectHandle,
			Name:   primary.Name,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InPrivate: created.OutPrivate,
		InPublic:  created.OutPublic,
	}.Execute(tpm)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	t.Cleanup(func() {
		tpm2.FlushContext{FlushHandle: loaded.ObjectHandle}.Execute(tpm)
	})

	return kmyth.Entity{
		Handle: loaded.ObjectHandle,
		Name:   kmyth.Name(loaded.Name.Buffer),
	}
}

// PCRSelection builds a single-bank selection for the given PCRs.
func PCRSelection(t *testing.T, hash tpm2.TPMAlgID, pcrs ...uint) tpm2.TPMLPCRSelection {
	t.Helper()
	return tpm2.TPMLPCRSelection{
		PCRSelections: []tpm2.TPMSPCRSelection{
			{
				Hash:      hash,
				PCRSelect: tpm2.PCClientCompatible.PCRs(pcrs...),
			},
		},
	}
}
