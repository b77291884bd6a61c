package structure

import "github.com/maltedev/catalog-enricher/internal/models"

// Flatten assigns sequential ids (parents before children) and returns the
// parent-pointer rows of the forest.
func Flatten(roots []*models.TaxonomyNode) []models.TaxonomyNode {
	var rows []models.TaxonomyNode
	var next int64

	type item struct {
		node   *models.TaxonomyNode
		parent *int64
		level  int
	}
	queue := make([]item, 0, len(roots))
	for _, r := range roots {
		queue = append(queue, item{node: r, level: 0})
	}
	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]
		next++
		id := next
		rows = append(rows, models.TaxonomyNode{
			ID:       id,
			ParentID: it.parent,
			Name:     it.node.Name,
			URL:      it.node.URL,
			Kind:     it.node.Kind,
			Level:    it.level,
		})
		for _, c := range it.node.Children {
			pid := id
			queue = append(queue, item{node: c, parent: &pid, level: it.level + 1})
		}
	}
	return rows
}

// BuildTree reconstructs the forest from parent-pointer rows. Rows whose
// parent is missing become roots.
func BuildTree(rows []models.TaxonomyNode) []*models.TaxonomyNode {
	byID := make(map[int64]*models.TaxonomyNode, len(rows))
	nodes := make([]*models.TaxonomyNode, len(rows))
	for i := range rows {
		n := rows[i]
		n.Children = nil
		nodes[i] = &n
		byID[n.ID] = nodes[i]
	}

	var roots []*models.TaxonomyNode
	for _, n := range nodes {
		if n.ParentID != nil {
			if parent, ok := byID[*n.ParentID]; ok && parent != n {
				parent.Children = append(parent.Children, n)
				continue
			}
		}
		roots = append(roots, n)
	}
	setLevels(roots, 0)
	return roots
}

func setLevels(nodes []*models.TaxonomyNode, level int) {
	for _, n := range nodes {
		n.Level = level
		setLevels(n.Children, level+1)
	}
}
