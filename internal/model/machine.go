package model

// Machine is a registered host: a physical server, a VM or a hypervisor.
// JSON field names match what the dashboard and agents already speak.
type Machine struct {
	ID           int64   `json:"Machine_ID"`
	Hostname     string  `json:"Hostname"`
	Platform     *string `json:"Platform"`
	IsHypervisor bool    `json:"Is_Hypervisor"`
	MaxCores     *int64  `json:"Max_Cores"`
	MaxMemory    *uint64 `json:"Max_Memory"`
	MaxDisk      *uint64 `json:"Max_Disk"`
	OwnerID      *int64  `json:"Owner_ID"`
	HostedOnID   *int64  `json:"Hosted_On_ID"`
}

// Registration is a full description of a machine as reported by its agent.
// Nil optional fields are stored as NULL.
type Registration struct {
	Hostname     string   `json:"hostname"`
	Platform     *string  `json:"platform"`
	IsHypervisor bool     `json:"is_hypervisor"`
	MaxCores     *int64   `json:"max_cores"`
	MaxMemory    *uint64  `json:"max_memory"`
	MaxDisk      *uint64  `json:"max_disk"`
	VMList       []string `json:"vm_list"`
}
