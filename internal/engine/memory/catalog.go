package memory

import "github.com/EliaSaSe/windows-update-remote-service-sub000/internal/engine"

// SampleCatalog returns the update list served by the simulated engine: a
// mix of important and optional items, one of them with an unaccepted eula
// and one needing an interactive session.
func SampleCatalog() []*Update {
	return []*Update{
		{
			UpdateID:        "5f1d3a52-0d27-4c5e-9f3b-6a0e1f7a9c01",
			UpdateTitle:     "Cumulative Update for Windows (KB5031356)",
			Desc:            "Security and quality fixes for the operating system.",
			MinSize:         180 << 20,
			MaxSize:         640 << 20,
			RecommendedSize: 1 << 30,
			Mandatory:       true,
			Selection:       engine.AutoSelectionAlways,
			Eula:            true,
		},
		{
			UpdateID:        "8c2b7e44-91a3-4f0d-b6d5-2e3c4a5b6d02",
			UpdateTitle:     "Security Intelligence Update for Microsoft Defender Antivirus (KB2267602)",
			Desc:            "Definition update for the antivirus engine.",
			MinSize:         1 << 20,
			MaxSize:         90 << 20,
			AutoSelectOnWeb: true,
			Selection:       engine.AutoSelectionDefault,
			Eula:            true,
		},
		{
			UpdateID:       "a41f0c9e-3b27-4d6a-8e15-7c9d0b1e2f03",
			UpdateTitle:    "Microsoft .NET Framework 4.8.1 (KB5011048)",
			Desc:           "Runtime update. Requires accepting the license terms.",
			MinSize:        70 << 20,
			MaxSize:        120 << 20,
			HasBrowseOnly:  true,
			BrowseOnlyFlag: false,
			Selection:      engine.AutoSelectionUnavailable,
		},
		{
			UpdateID:       "d93e6b10-7a4c-4b8f-a2d1-5e6f7a8b9c04",
			UpdateTitle:    "Optional driver update: Display adapter",
			Desc:           "Vendor driver. Installation prompts for input.",
			MinSize:        40 << 20,
			MaxSize:        60 << 20,
			HasBrowseOnly:  true,
			BrowseOnlyFlag: true,
			Selection:      engine.AutoSelectionNever,
			Eula:           true,
			UserInput:      true,
		},
	}
}
