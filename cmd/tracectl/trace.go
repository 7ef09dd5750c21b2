package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"

	"github.com/cloudflare/msgtrace/cmd/internal/config"
	"github.com/cloudflare/msgtrace/transport"
	"github.com/cloudflare/msgtrace/wire"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	traceScheme string
	traceUID    uint32
	traceMsg    string
	tracePtr    string
	traceBptr   string
	traceGK     string
)

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Recover the ancestor path or forwarding tree of a reported message",
	RunE:  runTrace,
}

func init() {
	traceCmd.Flags().StringVar(&traceScheme, "scheme", "path", "Traceback scheme: path or tree.")
	traceCmd.Flags().Uint32Var(&traceUID, "uid", 0, "Reporting user's id.")
	traceCmd.Flags().StringVar(&traceMsg, "message", "", "The reported message's plaintext.")
	traceCmd.Flags().StringVar(&tracePtr, "path-ptr", "", "Hex-encoded ptr from the reporter's path-scheme metadata.")
	traceCmd.Flags().StringVar(&traceBptr, "tree-bptr", "", "Hex-encoded bptr from the reporter's tree-scheme metadata.")
	traceCmd.Flags().StringVar(&traceGK, "tree-gk", "", "Hex-encoded gk from the reporter's tree-scheme metadata.")
}

func loadClientConfig() (*config.Client, error) {
	cfgPath := viper.GetString("config")
	if cfgPath != "" {
		return config.ClientFromFile(cfgPath)
	}
	return &config.Client{
		ServerURL:    viper.GetString("server-url"),
		TransportKey: viper.GetString("transport-key"),
	}, nil
}

func runTrace(cmd *cobra.Command, args []string) error {
	cfg, err := loadClientConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.ServerURL == "" || cfg.TransportKey == "" {
		return fmt.Errorf("server-url and transport-key must both be set")
	}

	req := wire.TraceRequest{
		Scheme:  wire.Scheme(traceScheme),
		Message: []byte(traceMsg),
		UID:     traceUID,
	}
	if req.PathPtr, err = decodeHexFlag(tracePtr); err != nil {
		return fmt.Errorf("--path-ptr: %w", err)
	}
	if req.TreeBptr, err = decodeHexFlag(traceBptr); err != nil {
		return fmt.Errorf("--tree-bptr: %w", err)
	}
	if req.TreeGK, err = decodeHexFlag(traceGK); err != nil {
		return fmt.Errorf("--tree-gk: %w", err)
	}

	resp, err := postTrace(cfg, req)
	if err != nil {
		return err
	}

	switch req.Scheme {
	case wire.SchemePath:
		renderPath(resp.Path)
	case wire.SchemeTree:
		renderTree(resp.Tree)
	default:
		return fmt.Errorf("unknown scheme %q", req.Scheme)
	}
	return nil
}

func decodeHexFlag(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}

func postTrace(cfg *config.Client, req wire.TraceRequest) (*wire.TraceResponse, error) {
	tlsCfg, err := transport.ClientConfig(cfg.TransportKey, cfg.TransportOptions())
	if err != nil {
		return nil, fmt.Errorf("building tls config: %w", err)
	}
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: tlsCfg}}

	body, err := wire.Codec.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, cfg.ServerURL+"trace", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", wire.Codec.ContentType())

	log.Infow("submitting trace request", "scheme", req.Scheme, "uid", req.UID)
	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("requesting trace: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		var errResp wire.ErrorResponse
		wire.Codec.Unmarshal(raw, &errResp)
		return nil, fmt.Errorf("server returned %s: %s", httpResp.Status, errResp.Error)
	}

	var resp wire.TraceResponse
	if err := wire.Codec.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &resp, nil
}

func renderPath(path []uint32) {
	for i, uid := range path {
		if i > 0 {
			pterm.Printf(" %s ", pterm.Gray("←"))
		}
		pterm.Printf("%s", pterm.LightGreen(fmt.Sprintf("%d", uid)))
	}
	pterm.Println()
}

func renderTree(tree *wire.TreeNode) {
	if tree == nil {
		pterm.Println(pterm.Gray("(empty)"))
		return
	}
	root := toPtermNode(*tree)
	pterm.DefaultTree.WithRoot(root).Render()
}

func toPtermNode(n wire.TreeNode) pterm.TreeNode {
	node := pterm.TreeNode{Text: fmt.Sprintf("%d", n.UID)}
	for _, c := range n.Children {
		node.Children = append(node.Children, toPtermNode(c))
	}
	return node
}
