package pipeline

import "encoding/json"

// ContractKind 表示从需求中识别出的合约类型。
type ContractKind string

const (
	KindERC20   ContractKind = "ERC20"
	KindERC721  ContractKind = "ERC721"
	KindERC1155 ContractKind = "ERC1155"
	KindCustom  ContractKind = "custom"
)

// Intent 是输入解析阶段的产物。
type Intent struct {
	Kind     ContractKind `json:"kind"`
	Name     string       `json:"name"`
	Symbol   string       `json:"symbol,omitempty"`
	Features []string     `json:"features,omitempty"`
}

// Artifact 是编译产物。
type Artifact struct {
	ContractName string          `json:"contract_name"`
	ABI          json.RawMessage `json:"abi"`
	Bytecode     string          `json:"bytecode"`
	Compiler     string          `json:"compiler,omitempty"`
}

// Severity 是审计发现的严重程度。
type Severity string

const (
	SeverityInformational Severity = "informational"
	SeverityLow           Severity = "low"
	SeverityMedium        Severity = "medium"
	SeverityHigh          Severity = "high"
)

// Finding 是一条审计发现。
type Finding struct {
	Check       string   `json:"check"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// AuditReport 汇总静态分析结果。
type AuditReport struct {
	Tool     string    `json:"tool"`
	Findings []Finding `json:"findings"`
}

// Count 按严重程度统计发现数量。
func (r *AuditReport) Count(severity Severity) int {
	if r == nil {
		return 0
	}
	count := 0
	for _, finding := range r.Findings {
		if finding.Severity == severity {
			count++
		}
	}
	return count
}

// DeploymentReceipt 是部署阶段的结果。
type DeploymentReceipt struct {
	Network         string `json:"network"`
	ChainID         string `json:"chain_id"`
	ContractAddress string `json:"contract_address"`
	TxHash          string `json:"tx_hash"`
	BlockNumber     uint64 `json:"block_number"`
	GasUsed         uint64 `json:"gas_used"`
}

// VerificationResult 是区块浏览器验证的结果。
type VerificationResult struct {
	GUID     string `json:"guid,omitempty"`
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Explorer string `json:"explorer,omitempty"`
}

// RunState 是编排器在单次运行中持有的内存状态，不做持久化。
type RunState struct {
	Prompt       string
	Network      string
	Intent       Intent
	Workspace    string
	SourcePath   string
	Source       string
	Dependencies []string
	Installed    []string
	Artifact     *Artifact
	Audit        *AuditReport
	Deployment   *DeploymentReceipt
	Verification *VerificationResult
}

// DeriveSymbol 用名称中的大写字母生成代币符号，例如 TestToken 对应 TT。
func DeriveSymbol(name string) string {
	var symbol []rune
	for _, r := range name {
		if r >= 'A' && r <= 'Z' {
			symbol = append(symbol, r)
		}
	}
	if len(symbol) >= 2 {
		if len(symbol) > 5 {
			symbol = symbol[:5]
		}
		return string(symbol)
	}
	var upper []rune
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
			upper = append(upper, r-'a'+'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			upper = append(upper, r)
		}
		if len(upper) == 3 {
			break
		}
	}
	if len(upper) == 0 {
		return "TKN"
	}
	return string(upper)
}
