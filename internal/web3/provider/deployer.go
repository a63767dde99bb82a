package provider

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/pipeline"
	"ChainForge/internal/web3"
)

// DeployRequest 描述一次合约部署。
type DeployRequest struct {
	Network  string
	Artifact *pipeline.Artifact
	Args     []any
}

// Deployer 通过注册表中的链客户端部署合约。
type Deployer struct {
	registry *Registry
	keyEnv   string
	gasLimit uint64
	lookup   func(string) (string, bool)
}

// DeployerOption 配置 Deployer。
type DeployerOption func(*Deployer)

// WithGasLimit 固定部署交易的 gas 上限，0 表示由节点估算。
func WithGasLimit(limit uint64) DeployerOption {
	return func(d *Deployer) {
		d.gasLimit = limit
	}
}

// WithEnvLookup 替换环境变量读取函数。
func WithEnvLookup(lookup func(string) (string, bool)) DeployerOption {
	return func(d *Deployer) {
		if lookup != nil {
			d.lookup = lookup
		}
	}
}

// NewDeployer 创建部署器，私钥从 keyEnv 指定的环境变量读取。
func NewDeployer(registry *Registry, keyEnv string, opts ...DeployerOption) *Deployer {
	d := &Deployer{registry: registry, keyEnv: keyEnv, lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Deploy 签名并广播部署交易，等待回执后返回部署信息。
func (d *Deployer) Deploy(ctx context.Context, req DeployRequest) (*pipeline.DeploymentReceipt, error) {
	if req.Artifact == nil || strings.TrimSpace(req.Artifact.Bytecode) == "" {
		return nil, xerrors.New(xerrors.CodeDeploymentFailed, "缺少可部署的字节码")
	}
	network := req.Network
	if network == "" {
		network = d.registry.DefaultChain()
	}
	client, ok := d.registry.Client(network)
	if !ok {
		return nil, xerrors.New(xerrors.CodeDeploymentFailed, fmt.Sprintf("未配置网络 %s", network))
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, web3.WrapRPCError(err, xerrors.CodeDeploymentFailed, "获取链 ID 失败")
	}
	auth, err := d.transactor(chainID)
	if err != nil {
		return nil, err
	}
	if d.gasLimit > 0 {
		auth.GasLimit = d.gasLimit
	}

	abiJSON := string(req.Artifact.ABI)
	if strings.TrimSpace(abiJSON) == "" {
		abiJSON = "[]"
	}
	result, err := client.DeployContract(ctx, auth, abiJSON, common.FromHex(req.Artifact.Bytecode), req.Args...)
	if err != nil {
		return nil, web3.WrapRPCError(err, xerrors.CodeDeploymentFailed, "广播部署交易失败")
	}
	receipt, err := client.WaitMined(ctx, result.Transaction)
	if err != nil {
		return nil, web3.WrapRPCError(err, xerrors.CodeDeploymentFailed, "等待部署回执失败")
	}

	return &pipeline.DeploymentReceipt{
		Network:         network,
		ChainID:         chainID.String(),
		ContractAddress: result.ContractAddress.Hex(),
		TxHash:          result.Transaction.Hash().Hex(),
		BlockNumber:     receipt.BlockNumber.Uint64(),
		GasUsed:         receipt.GasUsed,
	}, nil
}

func (d *Deployer) transactor(chainID *big.Int) (*bind.TransactOpts, error) {
	raw, ok := d.lookup(d.keyEnv)
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if !ok || raw == "" {
		return nil, xerrors.New(xerrors.CodeDeploymentFailed, fmt.Sprintf("未配置部署私钥，请设置环境变量 %s", d.keyEnv))
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDeploymentFailed, err, "解析部署私钥失败")
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDeploymentFailed, err, "创建交易签名器失败")
	}
	return auth, nil
}
