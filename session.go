// Copyright 2023 the kmyth authors.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package kmyth

import (
	"bytes"
	"crypto"
	"crypto/hmac"
	"time"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
	"github.com/sirupsen/logrus"

	"github.com/SociOS-Linux/kmyth/internal/crypt"
	"github.com/SociOS-Linux/kmyth/internal/wipe"
)

const (
	defaultMaxSubmissions = 3
	defaultRetryInterval  = 10 * time.Millisecond
)

// Session is a TPM 2.0 authorization session: the state shared between
// the caller and the TPM across a sequence of authorized commands. A
// Session is owned by a single logical caller from StartSession to Close
// and must not be used from two goroutines.
type Session struct {
	transport transport.TPM
	crypto    CryptoProvider
	log       logrus.FieldLogger

	sessionType SessionType
	hashAlgID   tpm2.TPMAlgID
	hashAlg     crypto.Hash
	digestSize  int

	tpmKey        tpm2.TPMHandle
	tpmKeyPublic  *tpm2.TPMTPublic
	bind          tpm2.TPMHandle
	authValueBind Digest
	symmetric     SymDef
	salt          []byte
	encryptedSalt []byte

	handle     tpm2.TPMHandle
	nonceTPM   Nonce
	nonces     nonceBook
	sessionKey []byte
	attrs      SessionAttributes

	pcrBinding tpm2.TPMLPCRSelection
	orBranches *PolicyBranches
	policyDone bool

	maxSubmissions int
	retryInterval  time.Duration

	state sessionState
}

// StartSession issues TPM2_StartAuthSession and returns an Active session
// of the requested type. The caller nonce is freshly random and sized to
// the session digest; if the session is salted or bound, the session key
// is derived from the salt and bind authorization value as described in
// TPM 2.0 part 1 section 19.
func StartSession(t transport.TPM, c CryptoProvider, sessionType SessionType, opts ...SessionOption) (*Session, error) {
	if t == nil || c == nil {
		return nil, makeInvalidInputError("transport and crypto provider must both be supplied")
	}
	switch sessionType {
	case SessionTypePolicy, SessionTypeTrial:
	default:
		return nil, makeInvalidInputError("unsupported session type 0x%02x", uint8(sessionType))
	}

	s := &Session{
		transport:      t,
		crypto:         c,
		log:            logrus.StandardLogger(),
		sessionType:    sessionType,
		hashAlgID:      tpm2.TPMAlgSHA256,
		tpmKey:         tpm2.TPMRHNull,
		bind:           tpm2.TPMRHNull,
		symmetric:      SymDefNull,
		attrs:          AttrContinueSession,
		maxSubmissions: defaultMaxSubmissions,
		retryInterval:  defaultRetryInterval,
	}
	for _, opt := range opts {
		opt(s)
	}

	hashAlg, known := cryptGetHash(s.hashAlgID)
	if !known {
		return nil, makeInvalidInputError("unsupported digest algorithm 0x%04x", uint16(s.hashAlgID))
	}
	s.hashAlg = hashAlg
	s.digestSize = hashAlg.Size()

	if s.tpmKey != tpm2.TPMRHNull {
		encryptedSalt, salt, err := computeEncryptedSalt(s.crypto, s.tpmKeyPublic)
		if err != nil {
			s.zeroize()
			return nil, err
		}
		s.encryptedSalt = encryptedSalt
		s.salt = salt
	}

	nonceCaller := make(Nonce, s.digestSize)
	if err := cryptComputeNonce(s.crypto, nonceCaller); err != nil {
		s.zeroize()
		return nil, &InternalError{msg: "cannot compute initial caller nonce: " + err.Error()}
	}

	params := new(bytes.Buffer)
	write2B(params, nonceCaller)
	write2B(params, s.encryptedSalt)
	params.WriteByte(byte(s.sessionType))
	marshalSymDef(params, s.symmetric)
	writeAlg(params, s.hashAlgID)

	cmd := marshalCommand(tpm2.TPMCCStartAuthSession,
		[]tpm2.TPMHandle{s.tpmKey, s.bind}, nil, params.Bytes())

	body, err := s.submit(tpm2.TPMCCStartAuthSession, cmd, true)
	if err != nil {
		s.zeroize()
		return nil, err
	}

	r := bytes.NewReader(body.Params)
	nonceTPM, err := read2B(r)
	if err != nil || r.Len() != 0 {
		s.zeroize()
		return nil, &InvalidResponseError{tpm2.TPMCCStartAuthSession, "cannot unmarshal nonceTPM"}
	}
	if len(nonceTPM) != s.digestSize {
		s.zeroize()
		return nil, &ProtocolViolationError{msg: "TPM nonce length does not match session digest size"}
	}

	s.handle = body.Handle
	s.nonceTPM = nonceTPM
	if err := s.nonces.init(nonceCaller, s.digestSize); err != nil {
		s.zeroize()
		return nil, err
	}

	if s.tpmKey != tpm2.TPMRHNull || s.bind != tpm2.TPMRHNull {
		key := make([]byte, 0, len(s.authValueBind)+len(s.salt))
		key = append(key, s.authValueBind...)
		key = append(key, s.salt...)
		s.sessionKey = crypt.KDFa(s.hashAlg, key, []byte("ATH"), nonceTPM, nonceCaller, s.digestSize*8)
		wipe.Bytes(key)
	}

	s.state = sessionStateActive
	s.log.WithFields(logrus.Fields{
		"type":   s.sessionType.String(),
		"handle": s.handle,
	}).Debug("authorization session started")

	return s, nil
}

// Handle returns the TPM-assigned session handle. It is only valid while
// the session is active.
func (s *Session) Handle() tpm2.TPMHandle {
	return s.handle
}

// NonceTPM returns the last nonce received from the TPM.
func (s *Session) NonceTPM() Nonce {
	return s.nonceTPM
}

// Exchange runs one authorized command through the session: it computes
// the command parameter hash and authorization HMAC over paramsIn, sends
// the command, rolls the session nonces, and verifies the authorization
// HMAC the TPM returned over the response parameters. paramsIn must be
// the entity's command parameters already in TPM wire format.
//
// The session's policy script runs automatically before the first
// authorized command unless the caller already ran ApplyPolicy.
//
// Any failure after the command reaches the TPM closes the session:
// protocol state is unrecoverable once an exchange dies half way.
func (s *Session) Exchange(commandCode tpm2.TPMCC, entity Entity, entityAuthValue Digest, paramsIn []byte) ([]byte, error) {
	if s.state != sessionStateActive {
		return nil, &InternalError{msg: "exchange attempted on a session that is not active"}
	}
	if s.sessionType != SessionTypePolicy {
		return nil, &InternalError{msg: "a trial session must never authorize a command"}
	}

	if !s.policyDone {
		if err := s.ApplyPolicy(); err != nil {
			s.closeOnError()
			return nil, err
		}
	}

	cpHash := cryptComputeCpHash(s.crypto, s.hashAlg, commandCode, []Name{entity.Name}, paramsIn)
	auth := buildSessionAuth(s.crypto, s.hashAlg, s, entityAuthValue, cpHash)
	cmd := marshalCommand(commandCode, []tpm2.TPMHandle{entity.Handle}, []*authCommand{auth}, paramsIn)

	body, err := s.submit(commandCode, cmd, false)
	if err != nil {
		s.closeOnError()
		return nil, err
	}
	if len(body.Auths) != 1 {
		s.closeOnError()
		return nil, &InvalidResponseError{commandCode, "response carries no authorization area"}
	}
	resp := body.Auths[0]

	// The response HMAC is keyed on the rolled nonce state, so roll first.
	if err := s.nonces.roll(resp.Nonce); err != nil {
		s.closeOnError()
		return nil, err
	}
	s.nonceTPM = resp.Nonce

	rpHash := cryptComputeRpHash(s.crypto, s.hashAlg, body.Code, commandCode, body.Params)
	expected := cryptComputeAuthHMAC(s.crypto, s.hashAlg, s.sessionKey, entityAuthValue,
		rpHash, s.nonces.newer, s.nonces.older, resp.SessionAttrs)

	if !hmac.Equal(expected, resp.HMAC) {
		s.closeOnError()
		return nil, &AuthVerificationError{Command: commandCode}
	}

	if resp.SessionAttrs&AttrContinueSession == 0 {
		// The TPM flushed the session with this response.
		s.zeroize()
		s.state = sessionStateClosed
		return body.Params, nil
	}

	// Stage the caller nonce for the next exchange.
	next := make(Nonce, s.digestSize)
	if err := cryptComputeNonce(s.crypto, next); err != nil {
		s.closeOnError()
		return nil, &InternalError{msg: "cannot compute caller nonce: " + err.Error()}
	}
	if err := s.nonces.roll(next); err != nil {
		s.closeOnError()
		return nil, err
	}

	return body.Params, nil
}

// submit sends a fully marshalled command, resubmitting it verbatim for
// retry-class response codes up to the session's submission bound, and
// decodes any other non-success code into an error.
func (s *Session) submit(commandCode tpm2.TPMCC, cmd []byte, hasHandle bool) (*responseBody, error) {
	var body *responseBody
	for attempt := 1; ; attempt++ {
		rsp, err := dispatch(s.transport, commandCode, cmd)
		if err != nil {
			return nil, err
		}
		body, err = unmarshalResponse(commandCode, rsp, hasHandle)
		wipe.Bytes(rsp)
		if err != nil {
			return nil, err
		}
		if !body.Code.retryable() {
			break
		}
		if attempt >= s.maxSubmissions {
			return nil, &TPMRetryError{Command: commandCode, Raw: body.Code, Attempts: attempt}
		}
		s.log.WithFields(logrus.Fields{
			"rc":      uint32(body.Code),
			"attempt": attempt,
		}).Debug("TPM asked for the command to be resubmitted")
		time.Sleep(s.retryInterval)
	}

	if err := DecodeResponseCode(commandCode, body.Code); err != nil {
		return nil, err
	}
	return body, nil
}

// Close flushes the session's TPM-side context and wipes every sensitive
// field. It is idempotent; only the first call reaches the TPM.
func (s *Session) Close() error {
	if s.state != sessionStateActive {
		return nil
	}
	s.state = sessionStateClosed

	cmd := marshalCommand(tpm2.TPMCCFlushContext, []tpm2.TPMHandle{s.handle}, nil, nil)
	_, err := s.submit(tpm2.TPMCCFlushContext, cmd, false)

	s.zeroize()
	s.log.WithField("handle", s.handle).Debug("authorization session closed")
	s.handle = 0

	if err != nil {
		return err
	}
	return nil
}

// closeOnError tears the session down after a fatal protocol error. The
// flush is best-effort; zeroization is not.
func (s *Session) closeOnError() {
	if s.state == sessionStateActive {
		s.state = sessionStateClosed
		cmd := marshalCommand(tpm2.TPMCCFlushContext, []tpm2.TPMHandle{s.handle}, nil, nil)
		rsp, err := dispatch(s.transport, tpm2.TPMCCFlushContext, cmd)
		if err == nil {
			unmarshalResponse(tpm2.TPMCCFlushContext, rsp, false)
		}
	}
	s.zeroize()
}

func (s *Session) zeroize() {
	wipe.All(s.sessionKey, s.salt, s.authValueBind, s.nonceTPM)
	s.sessionKey = nil
	s.salt = nil
	s.authValueBind = nil
	s.nonceTPM = nil
	s.nonces.wipe()
}

func writeAlg(buf *bytes.Buffer, alg tpm2.TPMAlgID) {
	buf.WriteByte(byte(alg >> 8))
	buf.WriteByte(byte(alg))
}

func marshalSymDef(buf *bytes.Buffer, sym SymDef) {
	writeAlg(buf, sym.Algorithm)
	if sym.Algorithm == tpm2.TPMAlgNull {
		return
	}
	buf.WriteByte(byte(sym.KeyBits >> 8))
	buf.WriteByte(byte(sym.KeyBits))
	writeAlg(buf, sym.Mode)
}
