package blockchain

import (
	"encoding/json"
	"fmt"
)

type MempoolInfo struct {
	Size  int64 `json:"size"`
	Bytes int64 `json:"bytes"`
}

type ChainStatus struct {
	Chain          string  `json:"chain"`
	Blocks         int64   `json:"blocks"`
	Headers        int64   `json:"headers"`
	BestBlockHash  string  `json:"bestBlockHash"`
	Difficulty     string  `json:"difficulty"`
	MedianTime     int64   `json:"medianTime"`
	Chainwork      string  `json:"chainwork"`
	Progress       float64 `json:"verificationProgress"`
	MempoolTxCount int64   `json:"mempoolTxCount"`
	MempoolUsage   int64   `json:"mempoolUsage"`
}

type blockChainInfo struct {
	Chain         string  `json:"chain"`
	Blocks        int64   `json:"blocks"`
	Headers       int64   `json:"headers"`
	BestBlockHash string  `json:"bestblockhash"`
	Difficulty    float64 `json:"difficulty"`
	MedianTime    int64   `json:"mediantime"`
	Chainwork     string  `json:"chainwork"`
	Progress      float64 `json:"verificationprogress"`
}

func (c *Client) rawRequest(method string, out interface{}) error {
	var resp json.RawMessage
	err := c.call(method, func() (err error) {
		resp, err = c.rpc.RawRequest(method, []json.RawMessage{})
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if err := json.Unmarshal(resp, out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", method, err)
	}
	return nil
}

// GetChainStatus summarizes the node's view of the chain and mempool.
func (c *Client) GetChainStatus() (*ChainStatus, error) {
	var info blockChainInfo
	if err := c.rawRequest("getblockchaininfo", &info); err != nil {
		return nil, err
	}
	mempoolInfo, err := c.GetMempoolInfo()
	if err != nil {
		return nil, err
	}
	return &ChainStatus{
		Chain:          info.Chain,
		Blocks:         info.Blocks,
		Headers:        info.Headers,
		BestBlockHash:  info.BestBlockHash,
		Difficulty:     fmt.Sprintf("%.4f", info.Difficulty),
		MedianTime:     info.MedianTime,
		Chainwork:      info.Chainwork,
		Progress:       info.Progress,
		MempoolTxCount: mempoolInfo.Size,
		MempoolUsage:   mempoolInfo.Bytes,
	}, nil
}

func (c *Client) GetMempoolInfo() (*MempoolInfo, error) {
	var info MempoolInfo
	if err := c.rawRequest("getmempoolinfo", &info); err != nil {
		return nil, err
	}
	return &info, nil
}
