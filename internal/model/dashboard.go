package model

// DashboardPreference records which metric panels a user shows for a machine.
type DashboardPreference struct {
	ID              int64 `json:"Dashboard_ID"`
	UserID          int64 `json:"-"`
	MachineID       int64 `json:"Machine_ID"`
	AdminOnly       bool  `json:"Admin_Only"`
	ShowCPUUsage    bool  `json:"Show_CPU_Usage"`
	ShowMemoryUsage bool  `json:"Show_Memory_Usage"`
	ShowDiskUsage   bool  `json:"Show_Disk_Usage"`
}
