package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Envelope is the serialized form of a model artifact. The declared kind
// and algorithm tags identify the payload without runtime introspection;
// the digest guards against truncated or tampered files.
type Envelope struct {
	Kind      domain.ModelRole `json:"kind"`
	Algorithm string           `json:"algorithm"`
	Version   string           `json:"version"`
	SHA256    string           `json:"sha256"`
	Payload   json.RawMessage  `json:"payload"`
}

// Marshal wraps a trained model in a tagged, digested envelope.
func Marshal(m any, kind domain.ModelRole, version string) ([]byte, error) {
	var algorithm string
	switch m.(type) {
	case *RandomForest:
		algorithm = AlgorithmRandomForest
	case *IsolationForest:
		algorithm = AlgorithmIsolationForest
	default:
		return nil, fmt.Errorf("unsupported model type %T", m)
	}

	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode model payload: %w", err)
	}

	digest := sha256.Sum256(payload)
	env := Envelope{
		Kind:      kind,
		Algorithm: algorithm,
		Version:   version,
		SHA256:    hex.EncodeToString(digest[:]),
		Payload:   payload,
	}

	return json.Marshal(&env)
}

// UnmarshalEnvelope decodes and integrity-checks an artifact without
// deserializing the payload.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCorruptArtifact, err)
	}

	digest := sha256.Sum256(env.Payload)
	if hex.EncodeToString(digest[:]) != env.SHA256 {
		return nil, fmt.Errorf("%w: digest mismatch", domain.ErrCorruptArtifact)
	}

	return &env, nil
}

// UnmarshalSupervised decodes a supervised artifact, verifying its
// declared kind.
func UnmarshalSupervised(data []byte) (domain.SupervisedModel, *Envelope, error) {
	env, err := UnmarshalEnvelope(data)
	if err != nil {
		return nil, nil, err
	}
	if env.Kind != domain.RoleSupervised {
		return nil, nil, fmt.Errorf("%w: expected supervised artifact, got %q", domain.ErrCorruptArtifact, env.Kind)
	}

	switch env.Algorithm {
	case AlgorithmRandomForest:
		var forest RandomForest
		if err := json.Unmarshal(env.Payload, &forest); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", domain.ErrCorruptArtifact, err)
		}
		return &forest, env, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown supervised algorithm %q", domain.ErrCorruptArtifact, env.Algorithm)
	}
}

// UnmarshalAnomaly decodes an anomaly artifact, verifying its declared
// kind.
func UnmarshalAnomaly(data []byte) (domain.AnomalyModel, *Envelope, error) {
	env, err := UnmarshalEnvelope(data)
	if err != nil {
		return nil, nil, err
	}
	if env.Kind != domain.RoleAnomaly {
		return nil, nil, fmt.Errorf("%w: expected anomaly artifact, got %q", domain.ErrCorruptArtifact, env.Kind)
	}

	switch env.Algorithm {
	case AlgorithmIsolationForest:
		var forest IsolationForest
		if err := json.Unmarshal(env.Payload, &forest); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", domain.ErrCorruptArtifact, err)
		}
		return &forest, env, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown anomaly algorithm %q", domain.ErrCorruptArtifact, env.Algorithm)
	}
}
