package entitlement

import "sort"

// Calculator tool IDs. Each tool belongs to exactly one sector.
const (
	ToolDebtPaydown = "debt-paydown"
	ToolNetWorth    = "net-worth"
	ToolRetirement  = "retirement"
	ToolMortgage    = "mortgage"
	ToolBudget      = "budget"
	ToolFIRE        = "fire"
)

var toolSectors = map[string]Sector{
	ToolDebtPaydown: SectorFinance,
	ToolNetWorth:    SectorFinance,
	ToolRetirement:  SectorFinance,
	ToolMortgage:    SectorFinance,
	ToolBudget:      SectorFinance,
	ToolFIRE:        SectorFinance,
}

// ToolSector returns the sector a tool belongs to.
func ToolSector(toolID string) (Sector, bool) {
	s, ok := toolSectors[toolID]
	return s, ok
}

// Tools returns all known tool IDs in stable order.
func Tools() []string {
	ids := make([]string, 0, len(toolSectors))
	for id := range toolSectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
