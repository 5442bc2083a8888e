// Package draft defines the requirement analysis document assembled over a
// session: typed sections, path access for completeness checks and the text
// sanitizer used when rendering.
package draft

import (
	"encoding/json"
	"slices"
)

// TemplateName identifies the document schema.
const TemplateName = "demand_analysis_doc_v1"

// Clarification sources.
const (
	SourceCollect = "collect"
	SourceDefend  = "defend"
)

type Draft struct {
	TemplateName        string              `json:"template_name"`
	BusinessRequirement BusinessRequirement `json:"business_requirement"`
	SystemCurrent       SystemCurrent       `json:"system_current"`
	SystemChanges       SystemChanges       `json:"system_changes"`
}

type BusinessRequirement struct {
	DemandSource     string           `json:"demand_source"`
	ProductStatement string           `json:"product_statement"`
	OpenQuestions    []string         `json:"open_questions"`
	ClarificationLog ClarificationLog `json:"clarification_log"`
}

type ClarificationLog struct {
	Items []Clarification `json:"items"`
}

type Clarification struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Source   string `json:"source"`
}

type SystemCurrent struct {
	BusinessRules       string         `json:"business_rules"`
	FrontendCurrent     Section        `json:"frontend_current"`
	BackendCurrent      BackendCurrent `json:"backend_current"`
	NotificationCurrent Notification   `json:"notification_current"`
	TablesMarkdown      string         `json:"tables_markdown,omitempty"`
	ImageURLs           []string       `json:"image_urls"`
}

type SystemChanges struct {
	ChangeOverview      string         `json:"change_overview"`
	FrontendChanges     Section        `json:"frontend_changes"`
	BackendChanges      BackendChanges `json:"backend_changes"`
	NotificationChanges Notification   `json:"notification_changes"`
	Risks               []string       `json:"risks,omitempty"`
}

// Section is a description-only block. Model output sometimes collapses it
// to a bare string, which is accepted on decode.
type Section struct {
	Description string `json:"description"`
}

func (s *Section) UnmarshalJSON(data []byte) error {
	if str, ok := decodeString(data); ok {
		s.Description = str
		return nil
	}
	type plain Section
	return json.Unmarshal(data, (*plain)(s))
}

type BackendCurrent struct {
	Description string `json:"description"`
	Steps       string `json:"steps_text"`
	FlowMermaid string `json:"flow_mermaid"`
}

func (b *BackendCurrent) UnmarshalJSON(data []byte) error {
	if str, ok := decodeString(data); ok {
		b.Description = str
		return nil
	}
	type plain BackendCurrent
	return json.Unmarshal(data, (*plain)(b))
}

type BackendChanges struct {
	Overview     string `json:"overview"`
	Steps        string `json:"steps_text"`
	FlowMermaid  string `json:"flow_mermaid"`
	FlowImageURL string `json:"flow_image_url,omitempty"`
}

func (b *BackendChanges) UnmarshalJSON(data []byte) error {
	if str, ok := decodeString(data); ok {
		b.Overview = str
		return nil
	}
	var raw struct {
		Overview     string `json:"overview"`
		Description  string `json:"description"`
		Steps        string `json:"steps_text"`
		FlowMermaid  string `json:"flow_mermaid"`
		FlowImageURL string `json:"flow_image_url"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*b = BackendChanges{
		Overview:     raw.Overview,
		Steps:        raw.Steps,
		FlowMermaid:  raw.FlowMermaid,
		FlowImageURL: raw.FlowImageURL,
	}
	if b.Overview == "" {
		b.Overview = raw.Description
	}
	return nil
}

type Notification struct {
	Description   string `json:"description"`
	TableMarkdown string `json:"table_markdown"`
}

func (n *Notification) UnmarshalJSON(data []byte) error {
	if str, ok := decodeString(data); ok {
		n.Description = str
		return nil
	}
	type plain Notification
	return json.Unmarshal(data, (*plain)(n))
}

func decodeString(data []byte) (string, bool) {
	if len(data) == 0 || data[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return "", false
	}
	return s, true
}

// Clone returns a deep copy of d. A nil draft clones to nil.
func (d *Draft) Clone() *Draft {
	if d == nil {
		return nil
	}
	c := *d
	c.BusinessRequirement.OpenQuestions = slices.Clone(d.BusinessRequirement.OpenQuestions)
	c.BusinessRequirement.ClarificationLog.Items = slices.Clone(d.BusinessRequirement.ClarificationLog.Items)
	c.SystemCurrent.ImageURLs = slices.Clone(d.SystemCurrent.ImageURLs)
	c.SystemChanges.Risks = slices.Clone(d.SystemChanges.Risks)
	return &c
}

// AppendClarification records one question/answer round.
func (d *Draft) AppendClarification(question, answer, source string) {
	d.BusinessRequirement.ClarificationLog.Items = append(d.BusinessRequirement.ClarificationLog.Items, Clarification{
		Question: question,
		Answer:   answer,
		Source:   source,
	})
}

// ApplyBusinessUpdates merges string fields suggested for the business
// requirement section. Unknown keys and other sections are ignored.
func (d *Draft) ApplyBusinessUpdates(updates map[string]string) {
	for k, v := range updates {
		switch k {
		case "demand_source":
			d.BusinessRequirement.DemandSource = v
		case "product_statement":
			d.BusinessRequirement.ProductStatement = v
		}
	}
}
