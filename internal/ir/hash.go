package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

// Domain prefixes for digests. The version suffix allows algorithm migration.
const (
	DomainCommand  = "pmi/command/v1"
	DomainManifest = "pmi/manifest/v1"
)

// hashWithDomain computes SHA-256 with domain separation:
// SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// CommandDigest computes the digest every rank reports back for the command
// it decoded. Equal digests on all ranks prove they executed the same bytes.
//
// Handles are encoded as decimal strings so the full uint64 range survives
// the int64 value model.
func CommandDigest(cmd Command) (string, error) {
	obj := Object{
		"run_id":  String(cmd.RunID),
		"seq":     Int(cmd.Seq),
		"op":      String(cmd.Op),
		"handle":  String(strconv.FormatUint(uint64(cmd.Handle), 10)),
		"type_id": String(cmd.TypeID),
		"method":  String(cmd.Method),
		"args":    nonNilArray(cmd.Args),
		"kwargs":  nonNilObject(cmd.Kwargs),
	}
	if cmd.Group != nil {
		ranks := make(Array, len(cmd.Group.Ranks))
		for i, r := range cmd.Group.Ranks {
			ranks[i] = Int(r)
		}
		obj["group"] = Object{"name": String(cmd.Group.Name), "ranks": ranks}
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("CommandDigest: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainCommand, canonical), nil
}

// MustCommandDigest is like CommandDigest but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustCommandDigest(cmd Command) string {
	d, err := CommandDigest(cmd)
	if err != nil {
		panic(err)
	}
	return d
}

// ManifestDigest computes the digest of the CallSpecs reachable through the
// given activated modules, in module order. Two ranks with the same imports
// and the same manifest produce the same digest.
func ManifestDigest(m *Manifest, modules []string) (string, error) {
	mods := make(Array, 0, len(modules))
	for _, name := range modules {
		mod, ok := m.Module(name)
		if !ok {
			return "", fmt.Errorf("ManifestDigest: unknown module %q", name)
		}
		specs := make(Array, 0, len(mod.Types))
		for _, t := range mod.Types {
			spec, ok := m.Spec(t)
			if !ok {
				return "", fmt.Errorf("ManifestDigest: module %q lists undeclared type %q", name, t)
			}
			specs = append(specs, spec.object())
		}
		mods = append(mods, Object{"name": String(name), "types": specs})
	}

	canonical, err := MarshalCanonical(Object{"modules": mods})
	if err != nil {
		return "", fmt.Errorf("ManifestDigest: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainManifest, canonical), nil
}

func nonNilArray(a Array) Array {
	if a == nil {
		return Array{}
	}
	return a
}

func nonNilObject(o Object) Object {
	if o == nil {
		return Object{}
	}
	return o
}
