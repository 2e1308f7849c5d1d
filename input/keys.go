package input

import (
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcec/v2"
)

// SingleTweakBytes computes the single tweak that binds a commitment point to
// a base point:
//
//	tweak = sha256(commitPoint || basePoint)
func SingleTweakBytes(commitPoint, basePoint *btcec.PublicKey) []byte {
	h := sha256.New()
	h.Write(commitPoint.SerializeCompressed())
	h.Write(basePoint.SerializeCompressed())
	return h.Sum(nil)
}

// TweakPubKey tweaks a public base point given a per commitment point:
//
//	tweakPub := basePoint + sha256(commitPoint || basePoint) * G
//
// The owner of the base point secret k can derive the matching private key as
// k + sha256(commitPoint || basePoint) mod N, see TweakPrivKey.
func TweakPubKey(basePoint, commitPoint *btcec.PublicKey) *btcec.PublicKey {
	tweakBytes := SingleTweakBytes(commitPoint, basePoint)
	return TweakPubKeyWithTweak(basePoint, tweakBytes)
}

// TweakPubKeyWithTweak is the exact same as the TweakPubKey function, however
// it accepts the raw tweak bytes directly rather than the commitment point.
func TweakPubKeyWithTweak(pubKey *btcec.PublicKey,
	tweakBytes []byte) *btcec.PublicKey {

	var (
		pubKeyJacobian btcec.JacobianPoint
		tweakJacobian  btcec.JacobianPoint
		resultJacobian btcec.JacobianPoint
	)
	tweakKey, _ := btcec.PrivKeyFromBytes(tweakBytes)
	btcec.ScalarBaseMultNonConst(&tweakKey.Key, &tweakJacobian)

	pubKey.AsJacobian(&pubKeyJacobian)
	btcec.AddNonConst(&pubKeyJacobian, &tweakJacobian, &resultJacobian)

	resultJacobian.ToAffine()
	return btcec.NewPublicKey(&resultJacobian.X, &resultJacobian.Y)
}

// TweakPrivKey is the private counterpart of TweakPubKey:
//
//	tweakPriv := basePriv + sha256(commitPoint || basePub) mod N
func TweakPrivKey(basePriv *btcec.PrivateKey,
	commitTweak []byte) *btcec.PrivateKey {

	tweakScalar := new(btcec.ModNScalar)
	tweakScalar.SetByteSlice(commitTweak)
	tweakScalar.Add(&basePriv.Key)

	return &btcec.PrivateKey{Key: *tweakScalar}
}

// DeriveRevocationPubkey derives the revocation public key given the
// counterparty's revocation base point and our per commitment point:
//
//	revokeKey := revokeBase * sha256(revokeBase || commitPoint) +
//	             commitPoint * sha256(commitPoint || revokeBase)
//
// Only once the commitment secret is revealed can the counterparty compute the
// matching private key, see DeriveRevocationPrivKey.
func DeriveRevocationPubkey(revokeBase,
	commitPoint *btcec.PublicKey) *btcec.PublicKey {

	// R = revokeBase * sha256(revokeBase || commitPoint)
	revokeTweakScalar := new(btcec.ModNScalar)
	revokeTweakScalar.SetByteSlice(
		SingleTweakBytes(revokeBase, commitPoint),
	)

	var revokeBaseJacobian, rJacobian btcec.JacobianPoint
	revokeBase.AsJacobian(&revokeBaseJacobian)
	btcec.ScalarMultNonConst(
		revokeTweakScalar, &revokeBaseJacobian, &rJacobian,
	)

	// C = commitPoint * sha256(commitPoint || revokeBase)
	commitTweakScalar := new(btcec.ModNScalar)
	commitTweakScalar.SetByteSlice(
		SingleTweakBytes(commitPoint, revokeBase),
	)

	var commitPointJacobian, cJacobian btcec.JacobianPoint
	commitPoint.AsJacobian(&commitPointJacobian)
	btcec.ScalarMultNonConst(
		commitTweakScalar, &commitPointJacobian, &cJacobian,
	)

	// P = R + C
	var resultJacobian btcec.JacobianPoint
	btcec.AddNonConst(&rJacobian, &cJacobian, &resultJacobian)

	resultJacobian.ToAffine()
	return btcec.NewPublicKey(&resultJacobian.X, &resultJacobian.Y)
}

// DeriveRevocationPrivKey derives the revocation private key from the
// revocation base secret and a revealed commitment secret:
//
//	revokePriv := revokeBasePriv * sha256(revokeBase || commitPoint) +
//	              commitSecret * sha256(commitPoint || revokeBase) mod N
func DeriveRevocationPrivKey(revokeBasePriv *btcec.PrivateKey,
	commitSecret *btcec.PrivateKey) *btcec.PrivateKey {

	revokeTweakScalar := new(btcec.ModNScalar)
	revokeTweakScalar.SetByteSlice(SingleTweakBytes(
		revokeBasePriv.PubKey(), commitSecret.PubKey(),
	))

	commitTweakScalar := new(btcec.ModNScalar)
	commitTweakScalar.SetByteSlice(SingleTweakBytes(
		commitSecret.PubKey(), revokeBasePriv.PubKey(),
	))

	revokeHalfPriv := revokeTweakScalar.Mul(&revokeBasePriv.Key)
	commitHalfPriv := commitTweakScalar.Mul(&commitSecret.Key)

	revocationPriv := revokeHalfPriv.Add(commitHalfPriv)

	return &btcec.PrivateKey{Key: *revocationPriv}
}

// ComputeCommitmentPoint generates a commitment point given a commitment
// secret. The commitment point for each state randomizes every key used in
// that state's commitment transaction.
func ComputeCommitmentPoint(commitSecret []byte) *btcec.PublicKey {
	_, pubKey := btcec.PrivKeyFromBytes(commitSecret)
	return pubKey
}
