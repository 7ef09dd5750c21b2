// Package wire defines the JSON request and response bodies exchanged over
// the traceback server's HTTP boundary, and the codec they're marshaled
// with.
package wire

import (
	"github.com/zoobzio/cereal"
	cerealjson "github.com/zoobzio/cereal/json"
)

// Codec is the wire encoding used by every handler in cmd/traceback-server
// and by the tracectl client. Swapping it for another cereal.Codec
// implementation (xml, msgpack, ...) changes the wire format with no other
// code change.
var Codec cereal.Codec = cerealjson.New()

// Scheme identifies which traceback scheme a request or record belongs to.
type Scheme string

const (
	SchemePath Scheme = "path"
	SchemeTree Scheme = "tree"
)

// ProcessRequest is the body of a POST /process request.
type ProcessRequest struct {
	Scheme Scheme `json:"scheme"`
	SID    uint32 `json:"sid"`
	RID    uint32 `json:"rid"`

	// Path-scheme fields.
	PathAddr []byte `json:"path_addr,omitempty"`
	PathCT   []byte `json:"path_ct,omitempty"`

	// Tree-scheme fields.
	TreeAddr   []byte `json:"tree_addr,omitempty"`
	TreeCTPtr  []byte `json:"tree_ct_ptr,omitempty"`
	TreeCTBptr []byte `json:"tree_ct_bptr,omitempty"`
	TreeCTGK   []byte `json:"tree_ct_gk,omitempty"`
	TreeCTFGK  []byte `json:"tree_ct_fgk,omitempty"`
}

// ProcessResponse is the body of a successful POST /process response.
// Written is false, with every other field empty, if the request's address
// was already occupied.
type ProcessResponse struct {
	Written bool `json:"written"`

	PathAddr []byte `json:"path_addr,omitempty"`

	TreeAddr  []byte `json:"tree_addr,omitempty"`
	TreeCTPtr []byte `json:"tree_ct_ptr,omitempty"`
	TreeCTFGK []byte `json:"tree_ct_fgk,omitempty"`
	TreeKSFGK []byte `json:"tree_ks_fgk,omitempty"`
}

// TraceRequest is the body of a POST /trace request.
type TraceRequest struct {
	Scheme  Scheme `json:"scheme"`
	Message []byte `json:"message"`
	UID     uint32 `json:"uid"`

	// Path-scheme fields.
	PathPtr []byte `json:"path_ptr,omitempty"`

	// Tree-scheme fields.
	TreeBptr []byte `json:"tree_bptr,omitempty"`
	TreeGK   []byte `json:"tree_gk,omitempty"`
}

// TraceResponse is the body of a successful POST /trace response. Exactly
// one of Path or Tree is populated, matching the request's Scheme.
type TraceResponse struct {
	Path []uint32  `json:"path,omitempty"`
	Tree *TreeNode `json:"tree,omitempty"`
}

// TreeNode mirrors tracetree.Tree for wire transport.
type TreeNode struct {
	UID      uint32     `json:"uid"`
	Children []TreeNode `json:"children"`
}

// ErrorResponse is the body of any non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}
