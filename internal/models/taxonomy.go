package models

type NodeKind string

const (
	NodeCategory      NodeKind = "category"
	NodeCollection    NodeKind = "collection"
	NodeVariant       NodeKind = "variant"
	NodeProductFamily NodeKind = "product_family"
	NodeCategoryLeaf  NodeKind = "category_leaf"
	NodeFacet         NodeKind = "facet"
)

// IsBranch reports whether a node of this kind may have navigable sub-branches.
func (k NodeKind) IsBranch() bool {
	return k == NodeCategory || k == NodeCollection || k == NodeFacet
}

type TaxonomyNode struct {
	ID       int64           `json:"id,omitempty"`
	ParentID *int64          `json:"parent_id,omitempty"`
	Name     string          `json:"name"`
	URL      string          `json:"url,omitempty"`
	Kind     NodeKind        `json:"type"`
	Level    int             `json:"level"`
	Children []*TaxonomyNode `json:"children,omitempty"`
}

// Walk visits n and its descendants depth-first.
func (n *TaxonomyNode) Walk(fn func(*TaxonomyNode)) {
	if n == nil {
		return
	}
	fn(n)
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// CountNodes returns the number of nodes in a forest.
func CountNodes(roots []*TaxonomyNode) int {
	count := 0
	for _, r := range roots {
		r.Walk(func(*TaxonomyNode) { count++ })
	}
	return count
}
