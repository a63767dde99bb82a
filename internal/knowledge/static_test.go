package knowledge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/llm"
	"ChainForge/internal/pipeline"
)

func TestDefaultQueryFiltersByKind(t *testing.T) {
	provider := NewStaticProvider(DefaultSnippets(), 10)

	erc721 := provider.Query("create an nft collection", pipeline.KindERC721)
	if !containsTitle(erc721, "NFT 编号") {
		t.Fatalf("expected NFT guideline, got %+v", erc721)
	}
	if containsTitle(erc721, "ERC20 初始供应") {
		t.Fatalf("erc20 guideline should not match erc721: %+v", erc721)
	}

	custom := provider.Query("a mintable registry", pipeline.KindCustom)
	if !containsTitle(custom, "增发权限") {
		t.Fatalf("expected keyword match, got %+v", custom)
	}
}

func TestQueryRespectsLimit(t *testing.T) {
	provider := NewStaticProvider(DefaultSnippets(), 2)
	if got := provider.Query("mint", pipeline.KindERC20); len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	var nilProvider *StaticProvider
	if nilProvider.Query("x", pipeline.KindERC20) != nil {
		t.Fatalf("nil provider should return nil")
	}
}

func TestLoadStaticProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kb.json")
	content := `[{"title":"custom","content":"rule","kinds":["custom"]}]`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	provider, err := LoadStaticProvider(path, 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := provider.Query("anything", pipeline.KindCustom); len(got) != 1 || got[0].Content != "rule" {
		t.Fatalf("unexpected result %+v", got)
	}
	if _, err := LoadStaticProvider("", 1); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestQueryRanksKeywordMatchesFirst(t *testing.T) {
	provider := NewStaticProvider([]Snippet{
		{Title: "general", Content: "g"},
		{Title: "erc20 only", Content: "k", Kinds: []string{"erc20"}},
		{Title: "pause", Content: "p", Keywords: []string{"pause", "freeze"}},
		{Title: "unrelated", Content: "u", Keywords: []string{"vesting"}},
	}, 10)

	got := provider.Query("token that can pause and freeze transfers", pipeline.KindERC20)
	titles := make([]string, 0, len(got))
	for _, g := range got {
		titles = append(titles, g.Title)
	}
	want := []string{"pause", "erc20 only", "general"}
	if strings.Join(titles, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, titles)
	}
}

func TestLoadStaticProviderMergesGlobMatches(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "nested"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	yamlDoc := "- title: from yaml\n  content: y\n  kinds: [erc721]\n"
	if err := os.WriteFile(filepath.Join(dir, "nested", "a.yaml"), []byte(yamlDoc), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.json"), []byte(`[{"title":"from json","content":"j"}]`), 0o600); err != nil {
		t.Fatalf("write json: %v", err)
	}

	provider, err := LoadStaticProvider(filepath.Join(dir, "**", "*.{json,yaml}"), 5)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got := provider.Query("collection", pipeline.KindERC721)
	if !containsTitle(got, "from yaml") || !containsTitle(got, "from json") {
		t.Fatalf("expected both files to be merged, got %+v", got)
	}
	if _, err := LoadStaticProvider(filepath.Join(dir, "*.toml"), 1); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND for empty match, got %v", err)
	}
}

func containsTitle(list []llm.Guideline, title string) bool {
	for _, g := range list {
		if g.Title == title {
			return true
		}
	}
	return false
}
