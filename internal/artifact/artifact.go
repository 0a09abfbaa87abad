package artifact

import (
	"reflect"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion 是当前制品格式的版本号。
const SchemaVersion = "artifact.v0"

// Artifact 是一条写盘的评测制品。负载在构造时已经脱敏，原始内容不会
// 出现在任何字段里。
type Artifact struct {
	SchemaVersion           string           `json:"schema_version"`
	ArtifactID              string           `json:"artifact_id"`
	RunID                   string           `json:"run_id"`
	TestcaseID              string           `json:"testcase_id"`
	Suite                   string           `json:"suite"`
	DefenseProfile          string           `json:"defense_profile"`
	Component               string           `json:"component"`
	Type                    string           `json:"type"`
	Payload                 Payload          `json:"payload"`
	PayloadRedacted         bool             `json:"payload_redacted"`
	ContainsWalletAddresses bool             `json:"contains_wallet_addresses"`
	ContainsTxHash          bool             `json:"contains_tx_hash"`
	RetentionDays           int              `json:"retention_days"`
	Visibility              string           `json:"visibility"`
	CreatedAt               time.Time        `json:"created_at"`
	Timing                  map[string]int64 `json:"timing"`
}

// Payload 包装脱敏后的数据以及执行过的脱敏类型。
type Payload struct {
	Kind       string         `json:"kind"`
	Data       map[string]any `json:"data"`
	Redactions []string       `json:"redactions"`
}

// Draft 描述一条待构造的制品。零值字段回落到默认值。
type Draft struct {
	RunID          string
	Type           string
	Payload        map[string]any
	TestcaseID     string
	Suite          string
	DefenseProfile string
	Component      string
	Timing         map[string]int64
	RetentionDays  int
	Visibility     string
	Now            func() time.Time
}

// Build 构造一条完整制品：脱敏负载、计算敏感内容标志、补默认字段。
func Build(draft Draft) Artifact {
	now := draft.Now
	if now == nil {
		now = time.Now
	}
	createdAt := now().UTC()

	if draft.TestcaseID == "" {
		draft.TestcaseID = "run-summary"
	}
	if draft.Suite == "" {
		draft.Suite = "smoke"
	}
	if draft.DefenseProfile == "" {
		draft.DefenseProfile = "bare"
	}
	if draft.Component == "" {
		draft.Component = "harness"
	}
	if draft.RetentionDays <= 0 {
		draft.RetentionDays = 30
	}
	if draft.Visibility == "" {
		draft.Visibility = "private"
	}
	if draft.Payload == nil {
		draft.Payload = map[string]any{}
	}

	redacted := RedactPayload(draft.Payload)
	containsAddress := ContainsWalletAddress(draft.Payload)
	containsTxHash := ContainsTxHash(draft.Payload)
	payloadRedacted := !reflect.DeepEqual(redacted, draft.Payload)

	var redactions []string
	if containsAddress {
		redactions = append(redactions, "address_redaction")
	}
	if containsTxHash {
		redactions = append(redactions, "tx_hash_redaction")
	}

	timing := make(map[string]int64, len(draft.Timing)+2)
	for key, value := range draft.Timing {
		timing[key] = value
	}
	if _, ok := timing["t_start_ms"]; !ok {
		timing["t_start_ms"] = createdAt.UnixMilli()
	}
	if _, ok := timing["t_end_ms"]; !ok {
		timing["t_end_ms"] = createdAt.UnixMilli()
	}

	return Artifact{
		SchemaVersion:  SchemaVersion,
		ArtifactID:     uuid.NewString(),
		RunID:          draft.RunID,
		TestcaseID:     draft.TestcaseID,
		Suite:          draft.Suite,
		DefenseProfile: draft.DefenseProfile,
		Component:      draft.Component,
		Type:           draft.Type,
		Payload: Payload{
			Kind:       draft.Type,
			Data:       redacted,
			Redactions: redactions,
		},
		PayloadRedacted:         payloadRedacted,
		ContainsWalletAddresses: containsAddress,
		ContainsTxHash:          containsTxHash,
		RetentionDays:           draft.RetentionDays,
		Visibility:              draft.Visibility,
		CreatedAt:               createdAt,
		Timing:                  timing,
	}
}
