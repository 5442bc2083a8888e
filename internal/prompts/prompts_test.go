package prompts

import (
	"strings"
	"testing"
)

func TestAllTemplatesLoad(t *testing.T) {
	for _, name := range []string{IntentClassify, ExpandKBQueries, KBSynthesize, Collect, BuildDraft, ConfirmerParse} {
		tpl, err := Load(name)
		if err != nil {
			t.Fatalf("Load(%q): %v", name, err)
		}
		if tpl.System(nil) == "" || tpl.User(nil) == "" {
			t.Errorf("%s: missing system or user section", name)
		}
	}
}

func TestRenderSubstitutesAndKeepsUnknown(t *testing.T) {
	tpl := &Template{sections: map[string]string{
		"user": `问题：{user_query} 最多 {max_queries} 条 {missing} {"queries": []}`,
	}}
	got := tpl.User(Vars{"user_query": "调仓规则", "max_queries": 4})
	want := `问题：调仓规则 最多 4 条 {missing} {"queries": []}`
	if got != want {
		t.Errorf("got %q\nwant %q", got, want)
	}
}

func TestBuildDraftSections(t *testing.T) {
	tpl := MustLoad(BuildDraft)
	if !strings.Contains(tpl.Render("output_schema", nil), "selected_image_indices") {
		t.Error("output_schema lacks selected_image_indices")
	}
	if tpl.Render("image_instruction", nil) == "" {
		t.Error("image_instruction missing")
	}
	if tpl.Render("nope", nil) != "" {
		t.Error("unknown section should render empty")
	}
}

func TestLoadUnknown(t *testing.T) {
	if _, err := Load("does_not_exist"); err == nil {
		t.Fatal("expected error")
	}
}
