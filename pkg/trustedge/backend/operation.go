package backend

// OperationKind discriminates a CryptoOperation/CryptoResult pair. The
// payload is a closed, small set, so it is modeled as a tagged struct
// rather than one interface method per operation (spec's own redesign
// guidance: "not a virtual-method zoo").
type OperationKind int

const (
	OpEncrypt OperationKind = iota
	OpDecrypt
	OpSign
	OpVerify
	OpDeriveKey
	OpGenerateKeyPair
	OpGetPublicKey
	OpKeyExchange
	OpAttest
	OpHash
)

// CryptoOperation carries only the fields its Kind needs.
type CryptoOperation struct {
	Kind OperationKind

	// Encrypt / Decrypt
	Algorithm  SymmetricAlgorithm
	Nonce      []byte
	AAD        []byte
	Plaintext  []byte
	Ciphertext []byte

	// Sign / Verify
	SignatureAlgorithm SignatureAlgorithm
	Message            []byte
	Signature          []byte

	// DeriveKey
	DerivationContext KeyDerivationContext

	// GenerateKeyPair
	AsymmetricAlgorithm AsymmetricAlgorithm

	// KeyExchange
	PeerPublicKey []byte

	// Attest
	Challenge []byte

	// Hash
	HashAlgorithm HashAlgorithm
	HashInput     []byte
}

// ResultKind discriminates a CryptoResult.
type ResultKind int

const (
	ResEncrypted ResultKind = iota
	ResDecrypted
	ResSigned
	ResVerification
	ResDerivedKey
	ResKeyPair
	ResPublicKey
	ResSharedSecret
	ResAttestationProof
	ResHash
)

// CryptoResult is the tagged counterpart to CryptoOperation.
type CryptoResult struct {
	Kind ResultKind

	Encrypted        []byte
	Decrypted        []byte
	Signed           []byte
	Verified         bool
	DerivedKey       [32]byte
	KeyPairPublic    []byte
	KeyPairPrivateID [16]byte
	PublicKey        []byte
	SharedSecret     []byte
	AttestationProof []byte
	Hash             []byte
}
