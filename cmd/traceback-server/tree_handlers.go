package main

import (
	"context"
	"net/http"

	"github.com/cloudflare/msgtrace/tracepath"
	"github.com/cloudflare/msgtrace/tracetree"
	"github.com/cloudflare/msgtrace/wire"
)

func (ts *tracebackServer) handleProcessTree(ctx context.Context, rw http.ResponseWriter, body wire.ProcessRequest) {
	var tag tracetree.SenderTag
	copy(tag.Addr[:], body.TreeAddr)
	copy(tag.CTPtr[:], body.TreeCTPtr)
	copy(tag.CTBptr[:], body.TreeCTBptr)
	copy(tag.CTGK[:], body.TreeCTGK)
	copy(tag.CTFGK[:], body.TreeCTFGK)

	recTag, ok, err := tracetree.SvrProcess(ctx, ts.backend, tag, body.SID, body.RID)
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err)
		return
	}
	resp := wire.ProcessResponse{Written: ok}
	if ok {
		resp.TreeAddr = recTag.Addr[:]
		resp.TreeCTPtr = recTag.CTPtr[:]
		resp.TreeCTFGK = recTag.CTFGK[:]
		resp.TreeKSFGK = recTag.KSFGK[:]
	}
	writeJSON(rw, resp)
}

func (ts *tracebackServer) handleTracePath(ctx context.Context, rw http.ResponseWriter, body wire.TraceRequest) {
	var md tracepath.Metadata
	copy(md.Ptr[:], body.PathPtr)

	path, err := tracepath.SvrTrace(ctx, ts.backend, body.Message, md, body.UID)
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err)
		return
	}
	writeJSON(rw, wire.TraceResponse{Path: path})
}

func (ts *tracebackServer) handleTraceTree(ctx context.Context, rw http.ResponseWriter, body wire.TraceRequest) {
	var md tracetree.Metadata
	copy(md.Bptr[:], body.TreeBptr)
	copy(md.GK[:], body.TreeGK)

	tree, err := tracetree.SvrTrace(ctx, ts.backend, body.Message, md, body.UID)
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err)
		return
	}
	writeJSON(rw, wire.TraceResponse{Tree: toWireTree(tree)})
}

func toWireTree(t tracetree.Tree) *wire.TreeNode {
	node := &wire.TreeNode{UID: t.UID, Children: make([]wire.TreeNode, 0, len(t.Children))}
	for _, c := range t.Children {
		node.Children = append(node.Children, *toWireTree(c))
	}
	return node
}
