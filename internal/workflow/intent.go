package workflow

import (
	"regexp"
	"sort"
	"strings"

	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/pipeline"
)

var (
	kindPatterns = []struct {
		kind    pipeline.ContractKind
		pattern *regexp.Regexp
	}{
		{pipeline.KindERC1155, regexp.MustCompile(`(?i)\berc[- ]?1155\b|\bmulti[- ]?token\b`)},
		{pipeline.KindERC721, regexp.MustCompile(`(?i)\berc[- ]?721\b|\bnfts?\b|\bcollectible\b`)},
		{pipeline.KindERC20, regexp.MustCompile(`(?i)\berc[- ]?20\b|\btoken\b|\bcoin\b|代币`)},
	}
	namedPattern  = regexp.MustCompile(`(?i)\b(?:named|called|name)\b\s*[:=]?\s*["'` + "`" + `]?([A-Za-z_][A-Za-z0-9_]*)`)
	symbolPattern = regexp.MustCompile(`(?i)\b(?:symbol|ticker)\b\s*[:=]?\s*["']?([A-Za-z0-9]{1,11})\b`)
	parenSymbol   = regexp.MustCompile(`\(([A-Z][A-Z0-9]{1,10})\)`)
	identPattern  = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)
)

var featureWords = map[string]string{
	"mintable":   "mintable",
	"mint":       "mintable",
	"burnable":   "burnable",
	"burn":       "burnable",
	"pausable":   "pausable",
	"pause":      "pausable",
	"capped":     "capped",
	"permit":     "permit",
	"enumerable": "enumerable",
}

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "with": {}, "for": {}, "that": {}, "is": {},
	"create": {}, "deploy": {}, "generate": {}, "build": {}, "write": {}, "make": {},
	"token": {}, "tokens": {}, "contract": {}, "smart": {}, "nft": {}, "nfts": {}, "coin": {},
	"named": {}, "called": {}, "name": {}, "symbol": {}, "ticker": {}, "on": {}, "to": {},
	"erc": {}, "erc20": {}, "erc721": {}, "erc1155": {}, "multi": {}, "collectible": {},
}

// ParseIntent 从自然语言需求中提取合约类型、名称、符号与特性。
func ParseIntent(prompt string) (pipeline.Intent, error) {
	text := strings.TrimSpace(prompt)
	if text == "" {
		return pipeline.Intent{}, xerrors.New(xerrors.CodeInvalidPrompt, "需求描述不能为空")
	}

	intent := pipeline.Intent{Kind: pipeline.KindCustom}
	kindEnd := -1
	for _, candidate := range kindPatterns {
		if loc := candidate.pattern.FindStringIndex(text); loc != nil {
			intent.Kind = candidate.kind
			kindEnd = loc[1]
			break
		}
	}

	intent.Name = contractName(text, kindEnd)
	if intent.Name == "" {
		intent.Name = defaultName(intent.Kind)
	}

	if match := symbolPattern.FindStringSubmatch(text); match != nil {
		intent.Symbol = strings.ToUpper(match[1])
	} else if match := parenSymbol.FindStringSubmatch(text); match != nil {
		intent.Symbol = match[1]
	}
	if intent.Symbol == "" && intent.Kind != pipeline.KindCustom {
		intent.Symbol = pipeline.DeriveSymbol(intent.Name)
	}

	intent.Features = features(text)
	return intent, nil
}

func contractName(text string, kindEnd int) string {
	if match := namedPattern.FindStringSubmatch(text); match != nil && !isStopWord(match[1]) {
		return match[1]
	}
	if kindEnd >= 0 {
		for _, word := range identPattern.FindAllString(text[kindEnd:], -1) {
			if isStopWord(word) || !startsUpper(word) {
				continue
			}
			return word
		}
	}
	words := identPattern.FindAllString(text, -1)
	for i, word := range words {
		if i == 0 || isStopWord(word) || !startsUpper(word) {
			continue
		}
		return word
	}
	return ""
}

func features(text string) []string {
	lower := strings.ToLower(text)
	set := make(map[string]struct{})
	for _, word := range identPattern.FindAllString(lower, -1) {
		if feature, ok := featureWords[word]; ok {
			set[feature] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	list := make([]string, 0, len(set))
	for feature := range set {
		list = append(list, feature)
	}
	sort.Strings(list)
	return list
}

func defaultName(kind pipeline.ContractKind) string {
	switch kind {
	case pipeline.KindERC20:
		return "GeneratedToken"
	case pipeline.KindERC721:
		return "GeneratedCollection"
	case pipeline.KindERC1155:
		return "GeneratedMultiToken"
	default:
		return "GeneratedContract"
	}
}

func isStopWord(word string) bool {
	_, ok := stopWords[strings.ToLower(word)]
	return ok
}

func startsUpper(word string) bool {
	return word != "" && word[0] >= 'A' && word[0] <= 'Z'
}
