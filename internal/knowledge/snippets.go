package knowledge

// DefaultSnippets 返回内置的合约编写规范。
func DefaultSnippets() []Snippet {
	return []Snippet{
		{
			Title:   "编译器版本",
			Content: "文件首行声明 SPDX-License-Identifier，并使用 pragma solidity ^0.8.20;",
		},
		{
			Title:   "OpenZeppelin v5 构造函数",
			Content: "继承 Ownable 时必须在构造函数中调用 Ownable(msg.sender)；ERC20/ERC721 需要显式传入名称与符号。",
			Kinds:   []string{"erc20", "erc721", "erc1155"},
		},
		{
			Title:   "ERC20 初始供应",
			Content: "在构造函数中调用 _mint(msg.sender, supply * 10 ** decimals())，不要直接修改 _totalSupply。",
			Kinds:   []string{"erc20"},
		},
		{
			Title:    "增发权限",
			Content:  "mint 函数必须使用 onlyOwner 或基于角色的访问控制。",
			Keywords: []string{"mint", "增发", "mintable"},
		},
		{
			Title:   "NFT 编号",
			Content: "使用自增的 _nextTokenId 并通过 _safeMint 发放，避免外部传入 tokenId。",
			Kinds:   []string{"erc721"},
		},
		{
			Title:    "暂停功能",
			Content:  "需要暂停时继承 Pausable 并在转账钩子中检查 whenNotPaused。",
			Keywords: []string{"pause", "暂停"},
		},
		{
			Title:   "输出格式",
			Content: "只输出一个完整的 Solidity 文件，不要附带 Markdown 代码块或解释文字。",
		},
	}
}
