package pcr

import (
	"encoding/json"
	"fmt"
	"os"
)

// Requirements is the verifier policy consumed by the enrollment server. It
// states which PCRs a client's selection must cover and which verification
// steps may be relaxed. The document is read-only after loading.
type Requirements struct {
	// PCRList names the PCR indices a presented selection must include,
	// as a comma-separated string matching the client flag format.
	PCRList string `json:"pcr_list"`

	// PCRAlgorithm is the hash algorithm bank the selection refers to,
	// e.g. "sha256".
	PCRAlgorithm string `json:"pcr_algorithm"`

	// SkipSignatureVerify relaxes quote signature and CSR coverage
	// verification. Intended for bring-up only.
	SkipSignatureVerify bool `json:"skip_signature_verify"`

	// AllowMeasurementViolations accepts quotes whose PCR coverage does
	// not satisfy the required mask. Intended for bring-up only.
	AllowMeasurementViolations bool `json:"allow_measurement_violations"`

	mask Mask
}

// LoadRequirements reads and validates a JSON requirements document.
func LoadRequirements(path string) (*Requirements, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading requirements file: %w", err)
	}
	return ParseRequirements(data)
}

// ParseRequirements parses a JSON requirements document and precomputes the
// required selection mask.
func ParseRequirements(data []byte) (*Requirements, error) {
	var req Requirements
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parsing requirements: %w", err)
	}

	list, err := ParseList(req.PCRList, MaxPCRs)
	if err != nil {
		return nil, fmt.Errorf("invalid required PCR list: %w", err)
	}
	req.mask = BuildMask(list)

	if req.PCRAlgorithm == "" {
		req.PCRAlgorithm = "sha256"
	}
	return &req, nil
}

// RequiredMask returns the precomputed required selection mask. An all-zero
// mask means no PCR coverage requirement.
func (r *Requirements) RequiredMask() Mask {
	return r.mask
}
