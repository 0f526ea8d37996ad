package piece

import "bdt/errs"

var errOutOfLimit = errs.New(errs.InvalidInput, "piece: index out of queue limit")
