package params

import "fmt"

// Built-in profile names, in catalog order.
const (
	ProfileFastSolving        = "FastSolving"
	ProfileParallelSolving    = "ParallelSolving"
	ProfileParallelLargeScale = "ParallelLargeScale"
	ProfileParallelSmallScale = "ParallelSmallScale"
	ProfileAllStars           = "AllStars"
	ProfileSmallSizedStars    = "SmallSizedStars"
	ProfileMidSizedStars      = "MidSizedStars"
	ProfileBigSizedStars      = "BigSizedStars"
)

// BuiltInProfiles returns the catalog of named parameter sets. Each profile
// sets only its relevant fields; everything else stays at the defaults.
func BuiltInProfiles() []Parameters {
	fast := Defaults()
	fast.ListName = ProfileFastSolving
	fast.Downsample = 2
	fast.MinWidth = 1
	fast.MaxWidth = 10
	fast.KeepNum = 50
	fast.MaxEllipse = 1.5
	fast.SetConvFilterFromFWHM(4)

	par := Defaults()
	par.ListName = ProfileParallelSolving
	par.MultiAlgorithm = MultiAuto
	par.Downsample = 2
	par.MinWidth = 1
	par.MaxWidth = 10
	par.KeepNum = 50
	par.MaxEllipse = 1.5
	par.SetConvFilterFromFWHM(2)

	parLarge := Defaults()
	parLarge.ListName = ProfileParallelLargeScale
	parLarge.MultiAlgorithm = MultiAuto
	parLarge.Downsample = 2
	parLarge.MinWidth = 1
	parLarge.MaxWidth = 10
	parLarge.KeepNum = 50
	parLarge.MaxEllipse = 1.5
	parLarge.SetConvFilterFromFWHM(2)

	parSmall := Defaults()
	parSmall.ListName = ProfileParallelSmallScale
	parSmall.MultiAlgorithm = MultiAuto
	parSmall.Downsample = 2
	parSmall.MinWidth = 1
	parSmall.MaxWidth = 10
	parSmall.KeepNum = 50
	parSmall.MaxEllipse = 1.5
	parSmall.SetConvFilterFromFWHM(2)

	all := Defaults()
	all.ListName = ProfileAllStars
	all.MaxEllipse = 1.5
	all.SetConvFilterFromFWHM(1)
	all.RMin = 2

	small := Defaults()
	small.ListName = ProfileSmallSizedStars
	small.MaxEllipse = 1.5
	small.SetConvFilterFromFWHM(1)
	small.RMin = 2
	small.MaxSize = 5
	small.SaturationLimit = 80

	mid := Defaults()
	mid.ListName = ProfileMidSizedStars
	mid.MaxEllipse = 1.5
	mid.MinArea = 20
	mid.SetConvFilterFromFWHM(4)
	mid.RMin = 5
	mid.RemoveDimmest = 20
	mid.MinSize = 2
	mid.MaxSize = 10
	mid.SaturationLimit = 80

	big := Defaults()
	big.ListName = ProfileBigSizedStars
	big.MaxEllipse = 1.5
	big.MinArea = 40
	big.SetConvFilterFromFWHM(8)
	big.RMin = 20
	big.MinSize = 5
	big.RemoveDimmest = 50

	return []Parameters{fast, par, parLarge, parSmall, all, small, mid, big}
}

// ProfileNamed looks up a built-in profile by its list name.
func ProfileNamed(name string) (Parameters, error) {
	for _, p := range BuiltInProfiles() {
		if p.ListName == name {
			return p, nil
		}
	}
	return Parameters{}, fmt.Errorf("no built-in profile named %q", name)
}

// ProfileNames lists the catalog names in order.
func ProfileNames() []string {
	profiles := BuiltInProfiles()
	names := make([]string, len(profiles))
	for i, p := range profiles {
		names[i] = p.ListName
	}
	return names
}
