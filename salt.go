// Copyright 2023 the kmyth authors.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package kmyth

import (
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"math/big"

	"github.com/google/go-tpm/tpm2"

	"github.com/SociOS-Linux/kmyth/internal/crypt"
	"github.com/SociOS-Linux/kmyth/internal/wipe"
)

func eccCurveToGoCurve(curve tpm2.TPMECCCurve) elliptic.Curve {
	switch curve {
	case tpm2.TPMECCNistP224:
		return elliptic.P224()
	case tpm2.TPMECCNistP256:
		return elliptic.P256()
	case tpm2.TPMECCNistP384:
		return elliptic.P384()
	case tpm2.TPMECCNistP521:
		return elliptic.P521()
	}
	return nil
}

// computeEncryptedSalt generates a fresh digest-sized salt and protects it
// to the session's tpmKey: RSA-OAEP with the "SECRET" label for RSA keys,
// one-pass ECDH with KDFe for ECC keys. The returned salt is sensitive;
// the encrypted form travels in the StartAuthSession parameters.
func computeEncryptedSalt(c CryptoProvider, public *tpm2.TPMTPublic) (encryptedSalt, salt []byte, err error) {
	if public == nil {
		return nil, nil, makeInvalidInputError("a salted session requires the public area of tpmKey")
	}
	nameHash, known := cryptGetHash(public.NameAlg)
	if !known {
		return nil, nil, makeInvalidInputError("cannot determine size of unknown nameAlg 0x%04x", uint16(public.NameAlg))
	}
	digestSize := nameHash.Size()

	switch public.Type {
	case tpm2.TPMAlgRSA:
		rsaParms, err := public.Parameters.RSADetail()
		if err != nil {
			return nil, nil, makeInvalidInputError("malformed RSA public area: %v", err)
		}
		rsaUnique, err := public.Unique.RSA()
		if err != nil {
			return nil, nil, makeInvalidInputError("malformed RSA public area: %v", err)
		}

		exp := int(rsaParms.Exponent)
		if exp == 0 {
			exp = 65537
		}
		pubKey := &rsa.PublicKey{N: new(big.Int).SetBytes(rsaUnique.Buffer), E: exp}

		salt = make([]byte, digestSize)
		if err := c.RandomBytes(salt); err != nil {
			return nil, nil, &InternalError{msg: "cannot read random bytes for salt: " + err.Error()}
		}

		// The label is "SECRET" with a terminating NUL, per part 1 24.
		encryptedSalt, err = rsa.EncryptOAEP(nameHash.New(), rand.Reader, pubKey, salt, []byte("SECRET\x00"))
		if err != nil {
			wipe.Bytes(salt)
			return nil, nil, &InternalError{msg: "cannot encrypt salt: " + err.Error()}
		}
		return encryptedSalt, salt, nil

	case tpm2.TPMAlgECC:
		eccParms, err := public.Parameters.ECCDetail()
		if err != nil {
			return nil, nil, makeInvalidInputError("malformed ECC public area: %v", err)
		}
		eccUnique, err := public.Unique.ECC()
		if err != nil {
			return nil, nil, makeInvalidInputError("malformed ECC public area: %v", err)
		}

		curve := eccCurveToGoCurve(eccParms.CurveID)
		if curve == nil {
			return nil, nil, makeInvalidInputError("unsupported curve 0x%04x", uint16(eccParms.CurveID))
		}

		ephPriv, ephX, ephY, err := elliptic.GenerateKey(curve, rand.Reader)
		if err != nil {
			return nil, nil, &InternalError{msg: "cannot generate ephemeral ECC key: " + err.Error()}
		}
		defer wipe.Bytes(ephPriv)

		tpmX := new(big.Int).SetBytes(eccUnique.X.Buffer)
		tpmY := new(big.Int).SetBytes(eccUnique.Y.Buffer)
		zX, _ := curve.ScalarMult(tpmX, tpmY, ephPriv)

		ephPoint := tpm2.TPMSECCPoint{
			X: tpm2.TPM2BECCParameter{Buffer: ephX.Bytes()},
			Y: tpm2.TPM2BECCParameter{Buffer: ephY.Bytes()},
		}
		encryptedSalt = tpm2.Marshal(ephPoint)

		salt = crypt.KDFe(nameHash, zX.Bytes(), []byte("SECRET"), ephX.Bytes(), eccUnique.X.Buffer, digestSize*8)
		return encryptedSalt, salt, nil
	}

	return nil, nil, makeInvalidInputError("unsupported tpmKey type 0x%04x", uint16(public.Type))
}
