package cluster

import "github.com/hashicorp/memberlist"

func fakeNode(name, grpcAddr string) *memberlist.Node {
	return &memberlist.Node{Name: name, Meta: []byte(grpcAddr)}
}
