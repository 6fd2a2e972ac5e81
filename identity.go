package engram

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ContentHash computes spec.md §4.3's content_hash:
//
//	SHA256(id | content | timestamp | prev_hash)
//
// with "|" a literal pipe separator over UTF-8 text.
func ContentHash(id, content string, timestamp time.Time, prevHash string) string {
	payload := id + "|" + content + "|" + timestamp.UTC().Format(timeLayout) + "|" + prevHash
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// unitContentHash is a convenience wrapper over a *MemoryUnit.
func unitContentHash(u *MemoryUnit) string {
	return ContentHash(u.ID, u.Content, u.Timestamp, u.PrevHash)
}

type keypairFile struct {
	Seed      string    `json:"seed"`
	PublicKey string    `json:"public_key"`
	Created   time.Time `json:"created"`
}

// WakeupAttestation is the signed receipt produced at the start of a wakeup
// sequence, appended to identity/attestations.jsonl.
type WakeupAttestation struct {
	Type             string `json:"type"`
	AgentID          string `json:"agent_id"`
	Timestamp        string `json:"timestamp"`
	RootHash         string `json:"root_hash"`
	LastConsolidation string `json:"last_consolidation"`
	Signature        string `json:"signature"`
}

// Identity manages a per-agent Ed25519 keypair, signs and verifies unit
// content hashes, verifies the chain, computes the Merkle root, and emits
// wakeup attestations, per spec.md §4.3.
type Identity struct {
	dir        string
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// NewIdentity loads or generates a keypair under dataDir/identity.
func NewIdentity(dataDir string) (*Identity, error) {
	idDir := filepath.Join(dataDir, "identity")
	if err := os.MkdirAll(idDir, 0755); err != nil {
		return nil, &StorageFault{Op: "mkdir identity", Err: err}
	}

	id := &Identity{dir: idDir}
	keypairPath := filepath.Join(idDir, "keypair.json")

	if data, err := os.ReadFile(keypairPath); err == nil {
		var kp keypairFile
		if err := json.Unmarshal(data, &kp); err != nil {
			return nil, &StorageFault{Op: "parse keypair", Err: err}
		}
		seed, err := base64.StdEncoding.DecodeString(kp.Seed)
		if err != nil {
			return nil, &StorageFault{Op: "decode seed", Err: err}
		}
		id.privateKey = ed25519.NewKeyFromSeed(seed)
		id.publicKey = id.privateKey.Public().(ed25519.PublicKey)
		return id, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, &StorageFault{Op: "generate keypair", Err: err}
	}
	id.privateKey = priv
	id.publicKey = pub

	kp := keypairFile{
		Seed:      base64.StdEncoding.EncodeToString(priv.Seed()),
		PublicKey: id.PublicKeyB64(),
		Created:   time.Now().UTC(),
	}
	data, err := json.MarshalIndent(kp, "", "  ")
	if err != nil {
		return nil, &StorageFault{Op: "marshal keypair", Err: err}
	}
	if err := os.WriteFile(keypairPath, data, 0600); err != nil {
		return nil, &StorageFault{Op: "write keypair", Err: err}
	}
	return id, nil
}

// PublicKeyB64 returns the agent's base64-encoded Ed25519 public key.
func (id *Identity) PublicKeyB64() string {
	if id.publicKey == nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(id.publicKey)
}

// Sign returns the base64-encoded Ed25519 signature over data. If no
// private key is available, signing is a no-op and returns "" — spec.md
// §4.3's "if no keypair library is available" fallback, reachable here only
// for an Identity built without a key (NewIdentity always loads or generates
// one).
func (id *Identity) Sign(data string) string {
	if id.privateKey == nil {
		return ""
	}
	sig := ed25519.Sign(id.privateKey, []byte(data))
	return base64.StdEncoding.EncodeToString(sig)
}

// Verify checks signatureB64 over data against publicKeyB64 (or the
// identity's own key if publicKeyB64 is empty). A non-empty-but-invalid
// signature always fails closed, per spec.md §4.3.
func (id *Identity) Verify(data, signatureB64, publicKeyB64 string) bool {
	var pub ed25519.PublicKey
	if publicKeyB64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(publicKeyB64)
		if err != nil || len(decoded) != ed25519.PublicKeySize {
			return false
		}
		pub = ed25519.PublicKey(decoded)
	} else if id.publicKey != nil {
		pub = id.publicKey
	} else {
		return false
	}

	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, []byte(data), sig)
}

// SignMemory signs a unit's content hash.
func (id *Identity) SignMemory(u *MemoryUnit) string {
	return id.Sign(unitContentHash(u))
}

// VerifyMemory verifies a unit's signature against its content hash. A unit
// with an empty signature does not verify: VerifyMemory returns false for
// it, so callers that tolerate unsigned units must check u.Signature == ""
// themselves before calling.
func (id *Identity) VerifyMemory(u *MemoryUnit, publicKeyB64 string) bool {
	if u.Signature == "" {
		return false
	}
	return id.Verify(unitContentHash(u), u.Signature, publicKeyB64)
}

// VerifyChain implements spec.md §4.3's verify_chain: sort by timestamp,
// expect each prev_hash equals the previous content_hash (first may be
// empty); any signed unit must also verify. Returns (valid, firstBrokenID).
func (id *Identity) VerifyChain(units []*MemoryUnit) (bool, string) {
	sorted := make([]*MemoryUnit, len(units))
	copy(sorted, units)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	prevHash := ""
	for _, u := range sorted {
		if prevHash != "" && u.PrevHash != prevHash {
			return false, u.ID
		}
		if u.Signature != "" && !id.VerifyMemory(u, "") {
			return false, u.ID
		}
		prevHash = unitContentHash(u)
	}
	return true, ""
}

// ComputeRootHash implements spec.md §4.3's compute_root_hash: hash-sort by
// timestamp, hash pairs bottom-up, duplicate the last element when odd.
// Empty set: SHA256("empty") hex.
func (id *Identity) ComputeRootHash(units []*MemoryUnit) string {
	if len(units) == 0 {
		sum := sha256.Sum256([]byte("empty"))
		return hex.EncodeToString(sum[:])
	}

	sorted := make([]*MemoryUnit, len(units))
	copy(sorted, units)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	hashes := make([]string, len(sorted))
	for i, u := range sorted {
		hashes[i] = unitContentHash(u)
	}

	for len(hashes) > 1 {
		if len(hashes)%2 == 1 {
			hashes = append(hashes, hashes[len(hashes)-1])
		}
		next := make([]string, 0, len(hashes)/2)
		for i := 0; i < len(hashes); i += 2 {
			sum := sha256.Sum256([]byte(hashes[i] + hashes[i+1]))
			next = append(next, hex.EncodeToString(sum[:]))
		}
		hashes = next
	}
	return hashes[0]
}

// MakeWakeupAttestation produces and appends a signed wakeup receipt, per
// spec.md §4.3.
func (id *Identity) MakeWakeupAttestation(rootHash, lastConsolidation string) (*WakeupAttestation, error) {
	att := &WakeupAttestation{
		Type:              "wakeup",
		AgentID:           id.PublicKeyB64(),
		Timestamp:         time.Now().UTC().Format(timeLayout),
		RootHash:          rootHash,
		LastConsolidation: lastConsolidation,
	}

	payload, err := canonicalJSON(att)
	if err != nil {
		return nil, err
	}
	att.Signature = id.Sign(string(payload))

	line, err := json.Marshal(att)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(id.dir, "attestations.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, &StorageFault{Op: "append attestation", Err: err}
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return nil, &StorageFault{Op: "append attestation", Err: err}
	}

	return att, nil
}

// canonicalJSON marshals v, then round-trips it through map[string]any so
// that Go's encoding/json — which always emits object keys in sorted
// order for map values — produces the same canonical form Python's
// json.dumps(sort_keys=True) would, without a third-party canonical-JSON
// library.
func canonicalJSON(v any) ([]byte, error) {
	first, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(first, &m); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}
