package protocol

// InputUsage counts prompt-side tokens. Cache fields stay nil when the
// provider never reported them.
type InputUsage struct {
	Total         int64  `json:"total"`
	CacheCreation *int64 `json:"cacheCreation,omitempty"`
	CacheRead     *int64 `json:"cacheRead,omitempty"`
}

// OutputUsage counts completion-side tokens.
type OutputUsage struct {
	Total    int64  `json:"total"`
	Thinking *int64 `json:"thinking,omitempty"`
}

// TokenUsage is the per-call or cumulative token accounting for a task.
type TokenUsage struct {
	Input  InputUsage  `json:"input"`
	Output OutputUsage `json:"output"`
	Total  int64       `json:"total"`
}

// Add returns the field-wise sum of two usages. An optional subfield is nil
// in the result only when it is nil in both operands.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		Input: InputUsage{
			Total:         u.Input.Total + o.Input.Total,
			CacheCreation: addOptional(u.Input.CacheCreation, o.Input.CacheCreation),
			CacheRead:     addOptional(u.Input.CacheRead, o.Input.CacheRead),
		},
		Output: OutputUsage{
			Total:    u.Output.Total + o.Output.Total,
			Thinking: addOptional(u.Output.Thinking, o.Output.Thinking),
		},
		Total: u.Total + o.Total,
	}
}

func addOptional(a, b *int64) *int64 {
	if a == nil && b == nil {
		return nil
	}
	var sum int64
	if a != nil {
		sum += *a
	}
	if b != nil {
		sum += *b
	}
	return &sum
}

// Int64 returns a pointer to v, for building optional usage fields.
func Int64(v int64) *int64 { return &v }
