package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"ChainForge/internal/config"
	"ChainForge/internal/web3"
	"ChainForge/internal/web3/ethereum"
)

// Registry manages a set of chain clients keyed by network names.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
	defs         map[string]web3.ChainDefinition
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]web3.Client)
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		switch chainType {
		case "evm":
			client, err := ethereum.NewClient(ctx, ethereum.Config{
				Name:         name,
				RPCURL:       chain.RPCURL,
				ChainID:      chain.ChainID,
				Notes:        chain.Description,
				PollInterval: cfg.ReceiptPoll.Duration,
			})
			if err != nil {
				closeAll(clients)
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			clients[name] = client
		default:
			closeAll(clients)
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
	}

	defaultChain := cfg.DefaultNetwork
	if len(clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := ethereum.NewClient(ctx, ethereum.Config{RPCURL: cfg.RPCURL, PollInterval: cfg.ReceiptPoll.Duration})
		if err != nil {
			return nil, err
		}
		if defaultChain == "" {
			defaultChain = "default"
		}
		clients[defaultChain] = client
		defs.Chains[defaultChain] = web3.ChainDefinition{Type: "evm", RPCURL: cfg.RPCURL}
	}

	return NewStaticRegistry(defaultChain, clients, defs.Chains)
}

// NewStaticRegistry builds a registry from already constructed clients.
func NewStaticRegistry(defaultChain string, clients map[string]web3.Client, defs map[string]web3.ChainDefinition) (*Registry, error) {
	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}
	if defs == nil {
		defs = map[string]web3.ChainDefinition{}
	}
	if defaultChain == "" {
		names := make([]string, 0, len(clients))
		for name := range clients {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}
	return &Registry{defaultChain: defaultChain, clients: clients, defs: defs}, nil
}

// DefaultChain returns the name used when a run does not pick a network.
func (r *Registry) DefaultChain() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// Client returns the chain client identified by name; an empty name selects
// the default chain.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	if strings.TrimSpace(name) == "" {
		name = r.defaultChain
	}
	client, ok := r.clients[name]
	return client, ok
}

// Definition returns the chain definition for name.
func (r *Registry) Definition(name string) (web3.ChainDefinition, bool) {
	if r == nil {
		return web3.ChainDefinition{}, false
	}
	if strings.TrimSpace(name) == "" {
		name = r.defaultChain
	}
	def, ok := r.defs[name]
	return def, ok
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	closeAll(r.clients)
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func closeAll(clients map[string]web3.Client) {
	for name, client := range clients {
		if client != nil {
			client.Close()
		}
		delete(clients, name)
	}
}
