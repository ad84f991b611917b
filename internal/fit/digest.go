package fit

import (
	"context"
	_ "embed"
	"regexp"
	"strings"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"github.com/hireloop/fitqueue/internal/ai"
	"github.com/hireloop/fitqueue/internal/utils"
)

// DigestVersion is the current digest schema version. Bump it whenever the
// prompt or the Digest shape changes so cached scores recompute.
const DigestVersion = 2

const (
	maxDigestSkills           = 15
	maxDigestConstraints      = 10
	maxDigestResponsibilities = 5
	maxDescriptionChars       = 8000
)

// Seniority classifies the level a posting targets.
type Seniority string

const (
	SeniorityJunior    Seniority = "junior"
	SeniorityMid       Seniority = "mid"
	SenioritySenior    Seniority = "senior"
	SeniorityLead      Seniority = "lead"
	SeniorityExecutive Seniority = "executive"
)

// Digest is a compact structured extract of a job description, embedded into
// scoring prompts instead of the raw text to cut token usage.
type Digest struct {
	TopSkills        []string  `json:"topSkills"`
	Seniority        Seniority `json:"seniority"`
	Domain           string    `json:"domain"`
	Constraints      []string  `json:"constraints"`
	Responsibilities []string  `json:"responsibilities"`
	Version          int       `json:"version"`
}

//go:embed prompts/digest.md
var digestPromptTemplate string

// DigestBuilder turns raw job descriptions into digests, reusing cached ones
// when their version is still current.
type DigestBuilder struct {
	generator ai.Generator
	logger    *zap.Logger
	maxLogLen int
}

func NewDigestBuilder(generator ai.Generator, logger *zap.Logger, maxLogLength int) *DigestBuilder {
	if maxLogLength <= 0 {
		maxLogLength = 200
	}
	return &DigestBuilder{
		generator: generator,
		logger:    logger,
		maxLogLen: maxLogLength,
	}
}

// GetOrBuild returns a usable digest for the posting. The cached digest is
// returned untouched when its version is current; otherwise one provider call
// builds a fresh digest. The returned bool reports whether a new digest was
// built and should be persisted by the caller. Never returns an error: on
// provider failure the caller gets a minimal fallback digest so scoring is
// not blocked.
func (b *DigestBuilder) GetOrBuild(ctx context.Context, title, description string, cached *Digest) (*Digest, bool) {
	if cached != nil && cached.Version >= DigestVersion {
		return cached, false
	}

	prompt := buildDigestPrompt(title, SanitizeDescription(description))

	b.logger.Debug("digest generation request",
		zap.String("title", title),
		zap.String("prompt_preview", utils.TruncateForLog(prompt, b.maxLogLen)),
	)

	generation, err := b.generator.GenerateJSON(ctx, prompt)
	if err != nil {
		b.logger.Warn("digest generation failed, using fallback",
			zap.String("title", title),
			zap.Error(err),
		)
		return fallbackDigest(title), true
	}

	b.logger.Debug("digest generation response",
		zap.String("title", title),
		zap.String("response_preview", utils.TruncateForLog(generation.Text, b.maxLogLen)),
	)

	digest := parseDigest(generation.Text, title)
	return digest, true
}

func buildDigestPrompt(title, description string) string {
	prompt := strings.ReplaceAll(digestPromptTemplate, "{{TITLE}}", title)
	return strings.ReplaceAll(prompt, "{{DESCRIPTION}}", description)
}

var (
	scriptBlockRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	htmlTagRe     = regexp.MustCompile(`<[^>]+>`)
	urlRe         = regexp.MustCompile(`(?i)\bhttps?://\S+`)
)

// Phrases that try to repoint the digest prompt at attacker instructions
// embedded in a job description.
var injectionPhrases = []string{
	"ignore previous instructions",
	"ignore all previous instructions",
	"disregard previous instructions",
	"disregard all prior instructions",
	"forget your instructions",
	"you are now",
	"new system prompt",
	"system prompt:",
}

var injectionRe = func() *regexp.Regexp {
	quoted := make([]string, 0, len(injectionPhrases))
	for _, phrase := range injectionPhrases {
		quoted = append(quoted, regexp.QuoteMeta(phrase))
	}
	return regexp.MustCompile(`(?i)(` + strings.Join(quoted, "|") + `)`)
}()

// SanitizeDescription strips script-like content, URLs and known
// prompt-injection phrases from a raw job description before it is embedded
// into a prompt.
func SanitizeDescription(description string) string {
	cleaned := scriptBlockRe.ReplaceAllString(description, " ")
	cleaned = htmlTagRe.ReplaceAllString(cleaned, " ")
	cleaned = urlRe.ReplaceAllString(cleaned, " ")
	cleaned = injectionRe.ReplaceAllString(cleaned, " ")

	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if len(cleaned) > maxDescriptionChars {
		cleaned = cleaned[:maxDescriptionChars]
	}
	return cleaned
}

// rawDigest is the loosely typed shape decoded from the model response before
// validation.
type rawDigest struct {
	TopSkills        []string `json:"topSkills"`
	Seniority        string   `json:"seniority"`
	Domain           string   `json:"domain"`
	Constraints      []string `json:"constraints"`
	Responsibilities []string `json:"responsibilities"`
}

// parseDigest validates the model output against the digest schema, applying
// a safe default for every field that is missing or malformed.
func parseDigest(raw, title string) *Digest {
	data, err := decodeObject(raw)
	if err != nil {
		return fallbackDigest(title)
	}

	var decoded rawDigest
	cfg := &mapstructure.DecoderConfig{
		Result:           &decoded,
		TagName:          "json",
		WeaklyTypedInput: true,
	}
	decoder, err := mapstructure.NewDecoder(cfg)
	if err == nil {
		// Decode errors leave the zero value, which the defaults below cover.
		_ = decoder.Decode(data)
	}

	digest := &Digest{
		TopSkills:        capList(decoded.TopSkills, maxDigestSkills),
		Seniority:        normalizeSeniority(decoded.Seniority),
		Domain:           strings.TrimSpace(decoded.Domain),
		Constraints:      capList(decoded.Constraints, maxDigestConstraints),
		Responsibilities: capList(decoded.Responsibilities, maxDigestResponsibilities),
		Version:          DigestVersion,
	}
	if digest.Domain == "" {
		digest.Domain = strings.TrimSpace(title)
	}
	return digest
}

func capList(items []string, limit int) []string {
	result := make([]string, 0, limit)
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		result = append(result, item)
		if len(result) == limit {
			break
		}
	}
	return result
}

func normalizeSeniority(value string) Seniority {
	switch Seniority(strings.ToLower(strings.TrimSpace(value))) {
	case SeniorityJunior:
		return SeniorityJunior
	case SenioritySenior:
		return SenioritySenior
	case SeniorityLead:
		return SeniorityLead
	case SeniorityExecutive:
		return SeniorityExecutive
	default:
		return SeniorityMid
	}
}

// fallbackDigest is the minimal digest used when generation fails entirely.
func fallbackDigest(title string) *Digest {
	return &Digest{
		TopSkills:        []string{},
		Seniority:        SeniorityMid,
		Domain:           strings.TrimSpace(title),
		Constraints:      []string{},
		Responsibilities: []string{},
		Version:          DigestVersion,
	}
}
