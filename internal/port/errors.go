package port

import "errors"

var errNoMutualInterfaceType = errors.New("port: no mutually supported interface_type")
