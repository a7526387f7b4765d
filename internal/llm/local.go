package llm

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"time"
	"unicode"
)

// LocalClient answers without a remote provider. It replays the latest user
// message together with whatever context it was given, word by word, so the
// collaborator API can run in development without keys.
type LocalClient struct {
	// Delay is slept between tokens.
	Delay time.Duration
}

// NewLocalClient creates a local client.
func NewLocalClient() *LocalClient {
	return &LocalClient{}
}

// Name returns the provider name.
func (c *LocalClient) Name() string {
	return string(ProviderLocal)
}

// ModelFor returns a tier-qualified local model name.
func (c *LocalClient) ModelFor(tier string) string {
	if tier == "" {
		tier = "balanced"
	}
	return "local-" + tier
}

// CompleteStream streams a deterministic reply.
func (c *LocalClient) CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error) {
	start := time.Now()

	var question string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			question = req.Messages[i].Content
			break
		}
	}

	reply := "You asked: " + question
	if req.System != "" {
		reply += "\n\n" + req.System
	}

	words := strings.SplitAfter(reply, " ")
	for i, w := range words {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c.Delay > 0 {
			time.Sleep(c.Delay)
		}
		if err := callback(w, i); err != nil {
			return nil, err
		}
	}

	model := req.Model
	if model == "" {
		model = c.ModelFor("")
	}
	return &CompletionResponse{
		Content:    reply,
		Model:      model,
		TokensIn:   estimateTokens(req),
		TokensOut:  len(words),
		StopReason: "end_turn",
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

// HashEmbedder embeds text by hashing word features into a fixed number of
// buckets. Vectors are L2-normalized, so a dot product is cosine similarity.
type HashEmbedder struct {
	Dims int
}

// NewHashEmbedder creates a hashing embedder with 256 dimensions.
func NewHashEmbedder() *HashEmbedder {
	return &HashEmbedder{Dims: 256}
}

// Embed returns one vector per text.
func (e *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	dims := e.Dims
	if dims <= 0 {
		dims = 256
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec := make([]float32, dims)
		for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		}) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(word))
			sum := h.Sum32()
			sign := float32(1)
			if sum&1 == 1 {
				sign = -1
			}
			vec[(sum>>1)%uint32(dims)] += sign
		}
		normalize(vec)
		out[i] = vec
	}
	return out, nil
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
}

// Cosine returns the cosine similarity of a and b, or 0 when either is empty
// or their lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
