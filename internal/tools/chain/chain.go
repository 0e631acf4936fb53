// Package chain 提供只读的 EVM 链状态工具。
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "Warden/internal/errors"
	"Warden/internal/governance"
)

// ToolName 是链状态工具的名称。
const ToolName = "chain_status"

// Reader 是工具用到的只读链接口，ethclient.Client 与模拟后端都满足。
type Reader interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

var _ Reader = (*ethclient.Client)(nil)

// Snapshot 汇总链的基础信息。
type Snapshot struct {
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Address     string `json:"address,omitempty"`
	Balance     string `json:"balance,omitempty"`
	Nonce       string `json:"nonce,omitempty"`
}

// Client 包装一个 Reader。
type Client struct {
	mu     sync.Mutex
	reader Reader
	closer func()
}

// Dial 连接 RPC 节点。
func Dial(ctx context.Context, rpcURL string) (*Client, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置以太坊 RPC 地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接以太坊节点失败")
	}
	eth := ethclient.NewClient(rpcClient)
	return &Client{reader: eth, closer: eth.Close}, nil
}

// NewClient 使用现成的 Reader，测试中传入模拟后端。
func NewClient(reader Reader) *Client {
	return &Client{reader: reader}
}

// Close 释放网络连接。
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closer != nil {
		c.closer()
		c.closer = nil
	}
}

// Status 查询链 ID 与最新区块高度；address 非空时附带余额与 nonce。
func (c *Client) Status(ctx context.Context, address string) (Snapshot, error) {
	if c == nil || c.reader == nil {
		return Snapshot{}, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的以太坊客户端")
	}
	address = strings.TrimSpace(address)
	if address != "" && !common.IsHexAddress(address) {
		return Snapshot{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("无效的地址 %q", address))
	}

	chainID, err := c.reader.ChainID(ctx)
	if err != nil {
		return Snapshot{}, xerrors.Wrap(xerrors.CodeRecoverableIO, err, "获取链 ID 失败")
	}
	block, err := c.reader.BlockNumber(ctx)
	if err != nil {
		return Snapshot{}, xerrors.Wrap(xerrors.CodeRecoverableIO, err, "获取最新区块高度失败")
	}
	snap := Snapshot{ChainID: toHexBig(chainID), BlockNumber: fmt.Sprintf("0x%x", block)}
	if address == "" {
		return snap, nil
	}

	account := common.HexToAddress(address)
	balance, err := c.reader.BalanceAt(ctx, account, nil)
	if err != nil {
		return Snapshot{}, xerrors.Wrap(xerrors.CodeRecoverableIO, err, "查询余额失败")
	}
	nonce, err := c.reader.PendingNonceAt(ctx, account)
	if err != nil {
		return Snapshot{}, xerrors.Wrap(xerrors.CodeRecoverableIO, err, "查询交易计数失败")
	}
	snap.Address = account.Hex()
	snap.Balance = toHexBig(balance)
	snap.Nonce = fmt.Sprintf("0x%x", nonce)
	return snap, nil
}

// Tool 把 Client 包装为 L1 只读工具。
func (c *Client) Tool() governance.Tool {
	return &governance.FuncTool{
		ToolName:        ToolName,
		ToolDescription: "Read the chain id, latest block and optionally an account's balance and nonce. Read-only.",
		Parameters:      json.RawMessage(`{"type":"object","properties":{"address":{"type":"string","pattern":"^0x[0-9a-fA-F]{40}$"}}}`),
		ToolLevel:       governance.L1,
		Retryable:       true,
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args struct {
				Address string `json:"address"`
			}
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &args); err != nil {
					return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "工具参数不是合法的 JSON 对象")
				}
			}
			snap, err := c.Status(ctx, args.Address)
			if err != nil {
				return "", err
			}
			data, err := json.Marshal(snap)
			if err != nil {
				return "", xerrors.Wrap(xerrors.CodeExecutorFailure, err, "编码链状态失败")
			}
			return string(data), nil
		},
	}
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
