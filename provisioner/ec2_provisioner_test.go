package provisioner

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Octogonapus/NetBenchmark/target"
	"github.com/Octogonapus/NetBenchmark/testtarget"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

type fakeEC2 struct {
	mu sync.Mutex

	keyMaterial     string
	runFailures     int
	addressPolls    int
	ingress         *ec2.AuthorizeSecurityGroupIngressInput
	runInput        *ec2.RunInstancesInput
	volumeInput     *ec2.CreateVolumeInput
	describeCalls   int
	instanceResults []ec2Types.Instance
}

func newFakeEC2(t *testing.T) *fakeEC2 {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	return &fakeEC2{keyMaterial: string(pem.EncodeToMemory(block))}
}

func (f *fakeEC2) CreateKeyPair(ctx context.Context, params *ec2.CreateKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.CreateKeyPairOutput, error) {
	return &ec2.CreateKeyPairOutput{KeyName: params.KeyName, KeyMaterial: aws.String(f.keyMaterial)}, nil
}

func (f *fakeEC2) DescribeVpcs(ctx context.Context, params *ec2.DescribeVpcsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
	return &ec2.DescribeVpcsOutput{Vpcs: []ec2Types.Vpc{{VpcId: aws.String("vpc-1")}}}, nil
}

func (f *fakeEC2) CreateSecurityGroup(ctx context.Context, params *ec2.CreateSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error) {
	return &ec2.CreateSecurityGroupOutput{GroupId: aws.String("sg-1")}, nil
}

func (f *fakeEC2) AuthorizeSecurityGroupIngress(ctx context.Context, params *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ingress = params
	return &ec2.AuthorizeSecurityGroupIngressOutput{}, nil
}

func (f *fakeEC2) RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runInput = params
	if f.runFailures > 0 {
		f.runFailures--
		return nil, errors.New("InsufficientInstanceCapacity")
	}
	out := &ec2.RunInstancesOutput{}
	f.instanceResults = nil
	for i := int32(0); i < aws.ToInt32(params.MaxCount); i++ {
		ins := ec2Types.Instance{
			InstanceId:     aws.String("i-" + string(rune('a'+i))),
			AmiLaunchIndex: aws.Int32(i),
			InstanceType:   params.InstanceType,
			Placement:      params.Placement,
		}
		out.Instances = append(out.Instances, ins)
		f.instanceResults = append(f.instanceResults, ins)
	}
	return out, nil
}

func (f *fakeEC2) DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.describeCalls++
	instances := []ec2Types.Instance{}
	// Returned in reverse so ordering by launch index is observable.
	for i := len(f.instanceResults) - 1; i >= 0; i-- {
		ins := f.instanceResults[i]
		if f.describeCalls > f.addressPolls {
			ins.PrivateIpAddress = aws.String("10.0.0." + string(rune('1'+i)))
			ins.PublicIpAddress = aws.String("54.0.0." + string(rune('1'+i)))
		}
		instances = append(instances, ins)
	}
	return &ec2.DescribeInstancesOutput{Reservations: []ec2Types.Reservation{{Instances: instances}}}, nil
}

func (f *fakeEC2) CreateVolume(ctx context.Context, params *ec2.CreateVolumeInput, optFns ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumeInput = params
	return &ec2.CreateVolumeOutput{VolumeId: aws.String("vol-1")}, nil
}

func fastRetries(t *testing.T) {
	oldLaunch, oldPoll, oldReach := launchRetryDelay, addressPollDelay, reachableDelay
	launchRetryDelay, addressPollDelay, reachableDelay = time.Millisecond, time.Millisecond, time.Millisecond
	t.Cleanup(func() {
		launchRetryDelay, addressPollDelay, reachableDelay = oldLaunch, oldPoll, oldReach
	})
}

func tagValue(spec ec2Types.TagSpecification, key string) string {
	for _, t := range spec.Tags {
		if aws.ToString(t.Key) == key {
			return aws.ToString(t.Value)
		}
	}
	return ""
}

func clusterSpec() ClusterSpec {
	return ClusterSpec{
		Project:     "netbench",
		Zone:        "us-east-1a",
		MachineType: "t3.micro",
		NodeCount:   2,
		ImageID:     "ami-1",
		Ports:       []int{5000, 8080},
	}
}

func TestCreateClusterAndMachines(t *testing.T) {
	fastRetries(t)
	api := newFakeEC2(t)
	api.runFailures = 1
	api.addressPolls = 2
	p := newEC2Provisioner(api, "ubuntu", 22)

	targets := map[string]*testtarget.Target{}
	p.newTarget = func(ip string, signer ssh.Signer) target.Target {
		require.NotNil(t, signer)
		tt := testtarget.New()
		tt.On("whoami", testtarget.Response{Err: target.ErrConnectionFailure}, testtarget.Response{Stdout: "ubuntu\n"})
		targets[ip] = tt
		return tt
	}

	clusterID, err := p.CreateCluster(context.Background(), clusterSpec())
	require.NoError(t, err)
	assert.Regexp(t, `^netbench-[a-z]{8}$`, clusterID)

	assert.Equal(t, int32(2), aws.ToInt32(api.runInput.MinCount))
	assert.Equal(t, ec2Types.InstanceType("t3.micro"), api.runInput.InstanceType)
	assert.Equal(t, "us-east-1a", aws.ToString(api.runInput.Placement.AvailabilityZone))
	assert.Equal(t, clusterID, tagValue(api.runInput.TagSpecifications[0], clusterTag))
	assert.Equal(t, "netbench", tagValue(api.runInput.TagSpecifications[0], "Project"))

	ports := []int32{}
	for _, perm := range api.ingress.IpPermissions {
		if perm.FromPort != nil {
			ports = append(ports, aws.ToInt32(perm.FromPort))
		}
	}
	assert.Equal(t, []int32{22, 5000, 8080}, ports)

	machines, err := p.Machines(context.Background(), clusterID)
	require.NoError(t, err)
	require.Len(t, machines, 2)
	assert.Equal(t, clusterID+"-0", machines[0].Name)
	assert.Equal(t, "54.0.0.1", machines[0].ExternalIP)
	assert.Equal(t, "10.0.0.1", machines[0].InternalIP)
	assert.Equal(t, "10.0.0.2", machines[1].InternalIP)
	assert.Equal(t, "t3.micro", machines[1].MachineType)
	assert.Equal(t, "us-east-1a", machines[1].Zone)
	assert.Len(t, targets["54.0.0.1"].CommandsContaining("whoami"), 2)
}

func TestCreateClusterGivesUpLaunching(t *testing.T) {
	fastRetries(t)
	api := newFakeEC2(t)
	api.runFailures = launchAttempts
	p := newEC2Provisioner(api, "ubuntu", 22)

	_, err := p.CreateCluster(context.Background(), clusterSpec())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "InsufficientInstanceCapacity")
}

func TestCreateClusterRejectsBadInput(t *testing.T) {
	p := newEC2Provisioner(newFakeEC2(t), "ubuntu", 22)

	spec := clusterSpec()
	spec.NodeCount = 0
	_, err := p.CreateCluster(context.Background(), spec)
	assert.Error(t, err)

	spec = clusterSpec()
	spec.ImageID = ""
	_, err = p.CreateCluster(context.Background(), spec)
	assert.Error(t, err)
}

func TestMachinesUnknownCluster(t *testing.T) {
	p := newEC2Provisioner(newFakeEC2(t), "ubuntu", 22)
	_, err := p.Machines(context.Background(), "nope")
	assert.Error(t, err)
}

func TestMachinesUnreachable(t *testing.T) {
	fastRetries(t)
	api := newFakeEC2(t)
	p := newEC2Provisioner(api, "ubuntu", 22)
	p.newTarget = func(ip string, signer ssh.Signer) target.Target {
		tt := testtarget.New()
		tt.On("whoami", testtarget.Response{Err: target.ErrConnectionFailure})
		return tt
	}

	clusterID, err := p.CreateCluster(context.Background(), clusterSpec())
	require.NoError(t, err)
	_, err = p.Machines(context.Background(), clusterID)
	require.ErrorIs(t, err, target.ErrConnectionFailure)
}

func TestCreateDisk(t *testing.T) {
	api := newFakeEC2(t)
	p := newEC2Provisioner(api, "ubuntu", 22)

	id, err := p.CreateDisk(context.Background(), DiskSpec{Project: "netbench", Zone: "us-east-1b", SizeGB: 100, Name: "scratch"})
	require.NoError(t, err)
	assert.Equal(t, "vol-1", id)
	assert.Equal(t, int32(100), aws.ToInt32(api.volumeInput.Size))
	assert.Equal(t, ec2Types.VolumeTypeGp3, api.volumeInput.VolumeType)
	assert.Equal(t, "us-east-1b", aws.ToString(api.volumeInput.AvailabilityZone))
	assert.Equal(t, "scratch", tagValue(api.volumeInput.TagSpecifications[0], "Name"))

	_, err = p.CreateDisk(context.Background(), DiskSpec{Zone: "us-east-1b"})
	assert.Error(t, err)
}

func TestMachinesAddressesNeverAssigned(t *testing.T) {
	fastRetries(t)
	api := newFakeEC2(t)
	api.addressPolls = addressAttempts
	p := newEC2Provisioner(api, "ubuntu", 22)

	clusterID, err := p.CreateCluster(context.Background(), clusterSpec())
	require.NoError(t, err)
	_, err = p.Machines(context.Background(), clusterID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out waiting for instance addresses")
	assert.Equal(t, addressAttempts, api.describeCalls)
}
