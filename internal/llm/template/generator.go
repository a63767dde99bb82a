// Package template 提供离线的合约生成器，根据解析出的意图渲染 OpenZeppelin 风格的合约。
// 它不依赖任何外部服务，适用于本地开发、演示与测试。
package template

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/llm"
	"ChainForge/internal/pipeline"
)

// Generator 实现 llm.Client。
type Generator struct {
	InitialSupply uint64
	BaseURI       string
}

// New 创建模板生成器。
func New() *Generator {
	return &Generator{InitialSupply: 1_000_000, BaseURI: "ipfs://"}
}

type view struct {
	Name          string
	Symbol        string
	InitialSupply uint64
	BaseURI       string
	Mintable      bool
	Burnable      bool
	Pausable      bool
}

// Generate 实现 llm.Client。
func (g *Generator) Generate(ctx context.Context, req llm.GenerationRequest) (*llm.GeneratedContract, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	intent := req.Intent
	if strings.TrimSpace(intent.Name) == "" {
		return nil, xerrors.New(xerrors.CodeGenerationFailed, "缺少合约名称，无法渲染模板")
	}
	symbol := intent.Symbol
	if symbol == "" {
		symbol = pipeline.DeriveSymbol(intent.Name)
	}
	data := view{
		Name:          intent.Name,
		Symbol:        symbol,
		InitialSupply: g.InitialSupply,
		BaseURI:       g.BaseURI,
		Mintable:      hasFeature(intent.Features, "mintable"),
		Burnable:      hasFeature(intent.Features, "burnable"),
		Pausable:      hasFeature(intent.Features, "pausable"),
	}

	tmpl, ok := templates[intent.Kind]
	if !ok {
		tmpl = templates[pipeline.KindCustom]
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeGenerationFailed, err, fmt.Sprintf("渲染 %s 模板失败", intent.Kind))
	}
	return &llm.GeneratedContract{Name: intent.Name, Source: buf.String(), Model: "template"}, nil
}

func hasFeature(features []string, name string) bool {
	for _, feature := range features {
		if strings.EqualFold(feature, name) {
			return true
		}
	}
	return false
}

var templates = map[pipeline.ContractKind]*template.Template{
	pipeline.KindERC20: template.Must(template.New("erc20").Parse(`// SPDX-License-Identifier: MIT
pragma solidity ^0.8.20;

import "@openzeppelin/contracts/token/ERC20/ERC20.sol";
{{- if .Burnable}}
import "@openzeppelin/contracts/token/ERC20/extensions/ERC20Burnable.sol";
{{- end}}
import "@openzeppelin/contracts/access/Ownable.sol";

contract {{.Name}} is ERC20{{if .Burnable}}, ERC20Burnable{{end}}, Ownable {
    constructor() ERC20("{{.Name}}", "{{.Symbol}}") Ownable(msg.sender) {
        _mint(msg.sender, {{.InitialSupply}} * 10 ** decimals());
    }
{{- if .Mintable}}

    function mint(address to, uint256 amount) external onlyOwner {
        _mint(to, amount);
    }
{{- end}}
}
`)),
	pipeline.KindERC721: template.Must(template.New("erc721").Parse(`// SPDX-License-Identifier: MIT
pragma solidity ^0.8.20;

import "@openzeppelin/contracts/token/ERC721/ERC721.sol";
import "@openzeppelin/contracts/access/Ownable.sol";

contract {{.Name}} is ERC721, Ownable {
    uint256 private _nextTokenId;

    constructor() ERC721("{{.Name}}", "{{.Symbol}}") Ownable(msg.sender) {}

    function _baseURI() internal pure override returns (string memory) {
        return "{{.BaseURI}}";
    }

    function safeMint(address to) external onlyOwner returns (uint256) {
        uint256 tokenId = _nextTokenId++;
        _safeMint(to, tokenId);
        return tokenId;
    }
}
`)),
	pipeline.KindERC1155: template.Must(template.New("erc1155").Parse(`// SPDX-License-Identifier: MIT
pragma solidity ^0.8.20;

import "@openzeppelin/contracts/token/ERC1155/ERC1155.sol";
import "@openzeppelin/contracts/access/Ownable.sol";

contract {{.Name}} is ERC1155, Ownable {
    constructor() ERC1155("{{.BaseURI}}{id}.json") Ownable(msg.sender) {}

    function mint(address to, uint256 id, uint256 amount, bytes memory data) external onlyOwner {
        _mint(to, id, amount, data);
    }
}
`)),
	pipeline.KindCustom: template.Must(template.New("custom").Parse(`// SPDX-License-Identifier: MIT
pragma solidity ^0.8.20;

contract {{.Name}} {
    address public immutable owner;
    mapping(bytes32 => string) private _values;

    event ValueSet(bytes32 indexed key, string value);

    constructor() {
        owner = msg.sender;
    }

    function set(bytes32 key, string calldata value) external {
        require(msg.sender == owner, "not owner");
        _values[key] = value;
        emit ValueSet(key, value);
    }

    function get(bytes32 key) external view returns (string memory) {
        return _values[key];
    }
}
`)),
}
