package agents

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/maice-ai/maice/internal/common/logger"
	"github.com/maice-ai/maice/internal/fault"
	"github.com/maice-ai/maice/internal/metrics"
	"github.com/maice-ai/maice/internal/runtime"
	"github.com/maice-ai/maice/internal/session"
	"github.com/maice-ai/maice/internal/session/models"
	v1 "github.com/maice-ai/maice/pkg/api/v1"
)

//go:embed corpus.yaml
var corpusYAML []byte

// CorpusTerm is one entry of the terminology corpus.
type CorpusTerm struct {
	Term  string           `yaml:"term"`
	Area  v1.KnowledgeCode `yaml:"area"`
	Level string           `yaml:"level"` // standard | advanced
	Hint  string           `yaml:"hint,omitempty"`
}

type corpus struct {
	Terms []CorpusTerm `yaml:"terms"`
}

var (
	corpusOnce   sync.Once
	loadedCorpus *corpus
	corpusErr    error
)

// loadCorpus parses the embedded corpus exactly once.
func loadCorpus() (*corpus, error) {
	corpusOnce.Do(func() {
		var c corpus
		if err := yaml.Unmarshal(corpusYAML, &c); err != nil {
			corpusErr = fmt.Errorf("parsing embedded corpus: %w", err)
			return
		}
		loadedCorpus = &c
	})
	return loadedCorpus, corpusErr
}

// Curriculum verifies that a finished answer uses school-appropriate
// terminology. It emits a single non-streamed observation event and may
// attach a correction hint, but never rewrites user-visible content.
type Curriculum struct {
	store   *session.Store
	sidecar *metrics.Sidecar
	logger  *logger.Logger
}

func NewCurriculum(store *session.Store, sc *metrics.Sidecar, log *logger.Logger) *Curriculum {
	return &Curriculum{store: store, sidecar: sc, logger: log.WithAgent(v1.AgentCurriculum)}
}

func (c *Curriculum) Name() string { return v1.AgentCurriculum }

func (c *Curriculum) Handle(ctx context.Context, req *v1.Request, em runtime.Emitter) error {
	corp, err := loadCorpus()
	if err != nil {
		return fault.Permanent(err)
	}

	answer, err := c.latestAnswer(ctx, req)
	if err != nil {
		return err
	}

	flagged := FlagTerms(corp.Terms, answer)
	ev := v1.NewEvent(v1.EventObservation, "", 0)
	if len(flagged) == 0 {
		ev.Content = "terminology check passed"
	} else {
		ev.Content = observationNote(flagged)
		c.sidecar.Inc("flagged_terms_total", float64(len(flagged)), nil)
	}
	if err := em.Emit(ctx, ev); err != nil {
		return err
	}

	c.sidecar.Inc("observations_total", 1, nil)
	fields := map[string]string{"flagged": fmt.Sprintf("%d", len(flagged))}
	for _, t := range flagged {
		fields["term:"+t.Term] = t.Hint
	}
	c.sidecar.AppendLog(ctx, req.SessionID, "observing", "terminology check finished", fields)
	return nil
}

// latestAnswer returns the newest persisted answer, falling back to the
// request text when none exists yet.
func (c *Curriculum) latestAnswer(ctx context.Context, req *v1.Request) (string, error) {
	snap, err := c.store.Snapshot(ctx, req.SessionID)
	if err != nil {
		return "", fault.Transient(fmt.Errorf("loading session %d: %w", req.SessionID, err))
	}
	for i := len(snap.Messages) - 1; i >= 0; i-- {
		if snap.Messages[i].MessageType == models.MessageMaiceAnswer {
			return snap.Messages[i].Content, nil
		}
	}
	if req.Text == "" {
		return "", fault.Newf(fault.KindValidation, "session %d has no answer to check", req.SessionID)
	}
	return req.Text, nil
}

// FlagTerms returns the advanced corpus terms present in text.
func FlagTerms(terms []CorpusTerm, text string) []CorpusTerm {
	lower := strings.ToLower(text)
	var flagged []CorpusTerm
	for _, t := range terms {
		if t.Level != "advanced" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(t.Term)) {
			flagged = append(flagged, t)
		}
	}
	return flagged
}

func observationNote(flagged []CorpusTerm) string {
	var sb strings.Builder
	sb.WriteString("answer uses terminology above school level:")
	for _, t := range flagged {
		fmt.Fprintf(&sb, "\n- %q", t.Term)
		if t.Hint != "" {
			fmt.Fprintf(&sb, ": try %q", t.Hint)
		}
	}
	return sb.String()
}
