// Package sshkeys holds the key material helpers used by the vault and the
// connection manager.
//
// # Key Material
//
// [GenerateKeyPair] creates an ED25519 key pair: the public key in
// authorized_keys format and the private key as PKCS#8 PEM. [ParsePrivateKey]
// turns stored key bytes into an ssh.Signer, optionally with a passphrase, and
// [IsEncrypted] reports whether a key needs one.
//
// # Verification
//
// [GetPublicKeyFingerprint] and [VerifyFingerprint] provide SHA256
// fingerprint checks. [KnownHosts] implements host key verification against
// an OpenSSH known_hosts file:
//
//   - a host seen for the first time is trusted and recorded (trust on first
//     use), unless strict mode is enabled, in which case it is rejected with
//     [ErrUnknownHost];
//   - a host whose key changed is always rejected with a
//     [*FingerprintMismatchError].
//
// # Usage
//
//	pub, priv, err := sshkeys.GenerateKeyPair()
//	if err != nil { ... }
//
//	hosts := sshkeys.NewKnownHosts("/home/me/.shellvault/known_hosts", false)
//	cfg := &ssh.ClientConfig{HostKeyCallback: hosts.Callback(), ...}
package sshkeys
