package modimage

import (
	"errors"
	"fmt"

	"github.com/SH-XiaoXiu/xnix-sub000/initsvc"
)

// Chain tries each ImageLoader in order, returning the first successful
// resolution. It lets a service fall back from a git-tracked module source
// to a GitHub release asset (or any other ImageLoader) without the init
// service graph itself knowing which backend served a given module.
type Chain []initsvc.ImageLoader

var _ initsvc.ImageLoader = Chain(nil)

func (c Chain) Load(svc *initsvc.Service) ([]byte, error) {
	var errs []error
	for _, loader := range c {
		img, err := loader.Load(svc)
		if err == nil {
			return img, nil
		}
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("modimage: no loader resolved module %q: %w", svc.ModuleName, errors.Join(errs...))
}
