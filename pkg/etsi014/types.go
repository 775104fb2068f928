// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-qkd.
//
// go-qkd is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package etsi014

// Status is the ETSI GS QKD 014 Status data format.
type Status struct {
	SourceKMEID      string `json:"source_KME_ID"`
	TargetKMEID      string `json:"target_KME_ID"`
	MasterSAEID      string `json:"master_SAE_ID"`
	SlaveSAEID       string `json:"slave_SAE_ID"`
	KeySize          int    `json:"key_size"`
	StoredKeyCount   int    `json:"stored_key_count"`
	MaxKeyCount      int    `json:"max_key_count"`
	MaxKeyPerRequest int    `json:"max_key_per_request"`
	MaxKeySize       int    `json:"max_key_size"`
	MinKeySize       int    `json:"min_key_size"`
	MaxSAEIDCount    int    `json:"max_SAE_ID_count"`
}

// KeyRequest is the body of an enc_keys request. Size is in bits.
type KeyRequest struct {
	Number int `json:"number"`
	Size   int `json:"size,omitempty"`
}

// KeyIDRef names one key in a dec_keys request.
type KeyIDRef struct {
	KeyID string `json:"key_ID"`
}

// KeyIDsRequest is the body of a dec_keys request.
type KeyIDsRequest struct {
	KeyIDs []KeyIDRef `json:"key_IDs"`
}

// KeyContainerEntry is one key in a Key Container. Key is base64.
type KeyContainerEntry struct {
	KeyID string `json:"key_ID"`
	Key   string `json:"key"`
}

// KeyContainer is the response to enc_keys and dec_keys.
type KeyContainer struct {
	Keys []KeyContainerEntry `json:"keys"`
}

// ErrorResponse is the ETSI error data format.
type ErrorResponse struct {
	Message string           `json:"message"`
	Details []map[string]any `json:"details,omitempty"`
}
